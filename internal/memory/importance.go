package memory

import (
	"regexp"
	"strings"
)

// decisionPattern, todoPattern and preferencePattern mirror the trigger
// phrases the teacher's chat-memory capture hook watched for, repurposed
// here as importance signals rather than a capture/no-capture gate.
var (
	decisionPattern   = regexp.MustCompile(`(?i)\b(decided|decision|we will|going with|chose|agreed)\b`)
	todoPattern       = regexp.MustCompile(`(?i)\b(todo|follow[- ]?up|action item|next step)s?\b`)
	preferencePattern = regexp.MustCompile(`(?i)\b(prefer|always|never|remember that|from now on)\b`)
	contactPattern    = regexp.MustCompile(`(?i)\b(email|phone|address)\b.{0,40}[:@]`)
)

// ScoreImportance assigns a [0,1] importance to a chunk of text using a
// small set of heuristics: boost for decision/TODO/preference language,
// penalty for very short content, floor/ceiling clamp.
func ScoreImportance(content string) float64 {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return 0
	}

	score := 0.5
	if decisionPattern.MatchString(trimmed) {
		score += 0.2
	}
	if todoPattern.MatchString(trimmed) {
		score += 0.15
	}
	if preferencePattern.MatchString(trimmed) {
		score += 0.15
	}
	if contactPattern.MatchString(trimmed) {
		score += 0.1
	}

	runeLen := len([]rune(trimmed))
	switch {
	case runeLen < 20:
		score -= 0.3
	case runeLen < 50:
		score -= 0.1
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
