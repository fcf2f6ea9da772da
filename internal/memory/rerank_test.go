package memory

import (
	"testing"

	"github.com/meridianhq/agentrt/pkg/models"
)

func mkCandidate(id, content string, score float64) *candidate {
	return &candidate{chunk: &models.MemoryChunk{ID: id, Content: content}, finalScore: score}
}

func TestMMRSelect_PrefersDiversityOverNearDuplicates(t *testing.T) {
	candidates := []*candidate{
		mkCandidate("a", "apple banana cherry date", 1.0),
		mkCandidate("b", "apple banana cherry elderberry", 0.95),
		mkCandidate("c", "completely unrelated topic about rockets", 0.8),
	}
	selected := mmrSelect(candidates, 2, 0.5)
	if len(selected) != 2 {
		t.Fatalf("expected 2 selections, got %d", len(selected))
	}
	if selected[0].chunk.ID != "a" {
		t.Errorf("expected top score to be picked first, got %q", selected[0].chunk.ID)
	}
	if selected[1].chunk.ID != "c" {
		t.Errorf("expected the diverse candidate over the near-duplicate, got %q", selected[1].chunk.ID)
	}
}

func TestMMRSelect_KGreaterThanCandidates(t *testing.T) {
	candidates := []*candidate{mkCandidate("a", "one", 1.0)}
	selected := mmrSelect(candidates, 5, 0.7)
	if len(selected) != 1 {
		t.Errorf("expected 1 selection, got %d", len(selected))
	}
}

func TestJaccard_NoOverlapIsZero(t *testing.T) {
	a := wordSet("apple banana")
	b := wordSet("cherry date")
	if got := jaccard(a, b); got != 0 {
		t.Errorf("expected 0 similarity, got %v", got)
	}
}

func TestJaccard_IdenticalIsOne(t *testing.T) {
	a := wordSet("apple banana")
	b := wordSet("apple banana")
	if got := jaccard(a, b); got != 1 {
		t.Errorf("expected 1 similarity, got %v", got)
	}
}
