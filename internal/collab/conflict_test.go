package collab

import (
	"testing"
	"time"

	"propgen/internal/domain"
)

func TestClassifyByDisagreeingKey(t *testing.T) {
	resolver := NewResolver()

	approach := map[string]map[string]any{
		"a": {"approach": "microservices"},
		"b": {"approach": "monolith"},
	}
	if got := resolver.Classify(approach); got != domain.ConflictApproach {
		t.Fatalf("classify = %s, want approach", got)
	}

	budget := map[string]map[string]any{
		"a": {"budget": 100},
		"b": {"budget": 200},
	}
	if got := resolver.Classify(budget); got != domain.ConflictResource {
		t.Fatalf("classify = %s, want resource", got)
	}

	agreeing := map[string]map[string]any{
		"a": {"approach": "monolith", "engine": "sqlite"},
		"b": {"approach": "monolith", "engine": "postgres"},
	}
	if got := resolver.Classify(agreeing); got != domain.ConflictTechnical {
		t.Fatalf("classify = %s, want technical fallback", got)
	}
}

func TestSelectStrategyPrefersHistory(t *testing.T) {
	resolver := NewResolver()

	// No history: first candidate for the type.
	if got := resolver.SelectStrategy(domain.ConflictApproach); got != domain.StrategyIntegration {
		t.Fatalf("cold start strategy = %s", got)
	}

	// A consistently successful alternative should win.
	for i := 0; i < 3; i++ {
		resolver.RecordOutcome(domain.ConflictApproach, domain.StrategyVoting, Outcome{
			Success:        true,
			Satisfaction:   0.9,
			LongTermImpact: 0.9,
			Duration:       time.Minute,
		})
	}
	resolver.RecordOutcome(domain.ConflictApproach, domain.StrategyIntegration, Outcome{
		Success:      false,
		Satisfaction: 0.2,
		Duration:     10 * time.Minute,
	})
	if got := resolver.SelectStrategy(domain.ConflictApproach); got != domain.StrategyVoting {
		t.Fatalf("history-informed strategy = %s, want voting", got)
	}
}

func TestResolveVotingMajority(t *testing.T) {
	resolver := NewResolver()
	proposals := map[string]map[string]any{
		"a": {"priority": "speed"},
		"b": {"priority": "quality"},
		"c": {"priority": "quality"},
	}
	resolution := resolver.Resolve([]string{"a", "b", "c"}, proposals, nil)

	if resolution.ConflictType != domain.ConflictPriority {
		t.Fatalf("conflict type = %s", resolution.ConflictType)
	}
	if resolution.ResolutionResult["priority"] != "quality" {
		t.Fatalf("resolved priority = %v", resolution.ResolutionResult["priority"])
	}
	if resolution.ConsensusLevel <= 0 || resolution.ConsensusLevel > 1 {
		t.Fatalf("consensus level = %f outside (0,1]", resolution.ConsensusLevel)
	}
	// Two of three proposals match the resolution.
	if resolution.ConsensusLevel < 0.6 || resolution.ConsensusLevel > 0.7 {
		t.Fatalf("consensus level = %f, want ~2/3", resolution.ConsensusLevel)
	}
}

func TestResolveExpertDecision(t *testing.T) {
	resolver := NewResolver()
	proposals := map[string]map[string]any{
		"junior": {"engine": "files"},
		"senior": {"engine": "sqlite"},
	}
	// Technical conflicts prefer expert decision with no history.
	resolution := resolver.Resolve([]string{"junior", "senior"}, proposals, map[string]float64{
		"junior": 0.2,
		"senior": 0.8,
	})
	if resolution.Strategy != domain.StrategyExpertDecision {
		t.Fatalf("strategy = %s", resolution.Strategy)
	}
	if resolution.ResolutionResult["engine"] != "sqlite" {
		t.Fatalf("expert resolution = %v", resolution.ResolutionResult)
	}
}

func TestResolveEmptyProposalsEscalates(t *testing.T) {
	resolver := NewResolver()
	resolution := resolver.Resolve([]string{"a", "b"}, map[string]map[string]any{}, nil)
	if resolution.Strategy != domain.StrategyEscalation {
		t.Fatalf("strategy = %s, want escalation fallback", resolution.Strategy)
	}
	if resolution.ResolutionResult["escalated"] != true {
		t.Fatalf("resolution = %v", resolution.ResolutionResult)
	}
	if resolution.ConsensusLevel != 0 {
		t.Fatalf("consensus level = %f", resolution.ConsensusLevel)
	}
}
