package memory

import "strings"

// mmrSelect re-ranks candidates (already sorted by finalScore descending)
// with Maximal Marginal Relevance: each pick balances finalScore against
// similarity to chunks already selected, so a tight cluster of near-
// duplicate hits doesn't crowd out distinct-but-slightly-lower-scoring
// ones. Similarity is approximated with Jaccard over lowercased word
// sets, which is cheap and needs no embeddings.
func mmrSelect(candidates []*candidate, k int, lambda float64) []*candidate {
	if lambda <= 0 {
		lambda = 0.7
	}
	if k >= len(candidates) {
		k = len(candidates)
	}
	if k <= 0 {
		return nil
	}

	wordSets := make([]map[string]struct{}, len(candidates))
	for i, c := range candidates {
		wordSets[i] = wordSet(c.chunk.Content)
	}

	selected := make([]*candidate, 0, k)
	selectedIdx := make([]int, 0, k)
	remaining := make([]int, len(candidates))
	for i := range candidates {
		remaining[i] = i
	}

	for len(selected) < k && len(remaining) > 0 {
		bestPos, bestScore := -1, -1.0
		for pos, idx := range remaining {
			maxSim := 0.0
			for _, sIdx := range selectedIdx {
				sim := jaccard(wordSets[idx], wordSets[sIdx])
				if sim > maxSim {
					maxSim = sim
				}
			}
			mmr := lambda*candidates[idx].finalScore - (1-lambda)*maxSim
			if mmr > bestScore {
				bestScore, bestPos = mmr, pos
			}
		}
		idx := remaining[bestPos]
		selected = append(selected, candidates[idx])
		selectedIdx = append(selectedIdx, idx)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected
}

func wordSet(text string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersect := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersect++
		}
	}
	union := len(a) + len(b) - intersect
	if union == 0 {
		return 0
	}
	return float64(intersect) / float64(union)
}
