package collab

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"propgen/internal/domain"
)

// Outcome records how a past resolution went, feeding strategy
// selection for later conflicts of the same type.
type Outcome struct {
	Success        bool
	Satisfaction   float64
	LongTermImpact float64
	Duration       time.Duration
}

// Resolver picks and applies a resolution strategy for conflicting
// proposals. Strategy selection is scored against recorded history;
// escalation is the terminal fallback.
type Resolver struct {
	mu      sync.Mutex
	history map[domain.ConflictType]map[domain.ResolutionStrategy][]Outcome
}

func NewResolver() *Resolver {
	return &Resolver{
		history: make(map[domain.ConflictType]map[domain.ResolutionStrategy][]Outcome),
	}
}

// strategy candidates per conflict type, in preference order.
var strategyCandidates = map[domain.ConflictType][]domain.ResolutionStrategy{
	domain.ConflictTechnical:      {domain.StrategyExpertDecision, domain.StrategyVoting, domain.StrategyMediation},
	domain.ConflictDesign:         {domain.StrategyConsensusBuilding, domain.StrategyIntegration, domain.StrategyCompromise},
	domain.ConflictResource:       {domain.StrategyCompromise, domain.StrategyMediation, domain.StrategyEscalation},
	domain.ConflictPriority:       {domain.StrategyVoting, domain.StrategyExpertDecision, domain.StrategyEscalation},
	domain.ConflictApproach:       {domain.StrategyIntegration, domain.StrategyConsensusBuilding, domain.StrategyVoting},
	domain.ConflictImplementation: {domain.StrategyExpertDecision, domain.StrategyIntegration, domain.StrategyMediation},
	domain.ConflictRequirement:    {domain.StrategyMediation, domain.StrategyConsensusBuilding, domain.StrategyEscalation},
}

// keys whose disagreement classifies the conflict.
var conflictKeyTypes = []struct {
	key string
	typ domain.ConflictType
}{
	{"approach", domain.ConflictApproach},
	{"design", domain.ConflictDesign},
	{"priority", domain.ConflictPriority},
	{"resources", domain.ConflictResource},
	{"budget", domain.ConflictResource},
	{"requirements", domain.ConflictRequirement},
	{"implementation", domain.ConflictImplementation},
}

// Classify inspects which shared fields the proposals disagree on.
func (r *Resolver) Classify(proposals map[string]map[string]any) domain.ConflictType {
	for _, entry := range conflictKeyTypes {
		if disagreesOn(proposals, entry.key) {
			return entry.typ
		}
	}
	return domain.ConflictTechnical
}

// SelectStrategy scores the candidates for the conflict type against
// recorded outcomes: success 0.4, satisfaction 0.3, long-term impact
// 0.2, speed 0.1. Without history the first candidate wins.
func (r *Resolver) SelectStrategy(conflictType domain.ConflictType) domain.ResolutionStrategy {
	candidates := strategyCandidates[conflictType]
	if len(candidates) == 0 {
		return domain.StrategyEscalation
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byStrategy := r.history[conflictType]
	best := candidates[0]
	bestScore := -1.0
	for _, candidate := range candidates {
		outcomes := byStrategy[candidate]
		if len(outcomes) == 0 {
			continue
		}
		var successes int
		var satisfaction, impact, minutes float64
		for _, o := range outcomes {
			if o.Success {
				successes++
			}
			satisfaction += o.Satisfaction
			impact += o.LongTermImpact
			minutes += o.Duration.Minutes()
		}
		n := float64(len(outcomes))
		speed := 0.0
		if minutes > 0 {
			speed = 1 / (minutes / n)
			if speed > 1 {
				speed = 1
			}
		}
		score := 0.4*(float64(successes)/n) + 0.3*(satisfaction/n) + 0.2*(impact/n) + 0.1*speed
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best
}

// Resolve classifies, selects, applies, and validates. An empty
// resolution falls back to escalation.
func (r *Resolver) Resolve(participants []string, proposals map[string]map[string]any, weights map[string]float64) domain.ConflictResolution {
	conflictType := r.Classify(proposals)
	strategy := r.SelectStrategy(conflictType)

	result := applyStrategy(strategy, participants, proposals, weights)
	if len(result) == 0 {
		strategy = domain.StrategyEscalation
		result = escalate(conflictType, participants)
	}

	return domain.ConflictResolution{
		ConflictType:     conflictType,
		Participants:     participants,
		Proposals:        proposals,
		Strategy:         strategy,
		ResolutionResult: result,
		ConsensusLevel:   consensusLevel(result, proposals),
	}
}

func (r *Resolver) RecordOutcome(conflictType domain.ConflictType, strategy domain.ResolutionStrategy, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byStrategy, ok := r.history[conflictType]
	if !ok {
		byStrategy = make(map[domain.ResolutionStrategy][]Outcome)
		r.history[conflictType] = byStrategy
	}
	byStrategy[strategy] = append(byStrategy[strategy], outcome)
}

func applyStrategy(strategy domain.ResolutionStrategy, participants []string, proposals map[string]map[string]any, weights map[string]float64) map[string]any {
	switch strategy {
	case domain.StrategyVoting:
		return voteByWeight(proposals, weights)
	case domain.StrategyExpertDecision:
		expert := highestWeight(participants, weights)
		if proposal, ok := proposals[expert]; ok {
			return cloneMap(proposal)
		}
		return nil
	case domain.StrategyEscalation:
		return nil
	default:
		// consensus_building, mediation, compromise, integration all
		// reduce to a weighted merge at this layer.
		return voteByWeight(proposals, weights)
	}
}

// voteByWeight picks, per key, the value with the largest summed
// weight across proposals.
func voteByWeight(proposals map[string]map[string]any, weights map[string]float64) map[string]any {
	type vote struct {
		value  any
		weight float64
	}
	tallies := make(map[string]map[string]*vote)
	for _, participant := range sortedParticipants(proposals) {
		w := weights[participant]
		if w == 0 {
			w = 1.0 / float64(len(proposals))
		}
		for key, value := range proposals[participant] {
			repr := fmt.Sprintf("%v", value)
			if tallies[key] == nil {
				tallies[key] = make(map[string]*vote)
			}
			if existing, ok := tallies[key][repr]; ok {
				existing.weight += w
			} else {
				tallies[key][repr] = &vote{value: value, weight: w}
			}
		}
	}

	result := make(map[string]any, len(tallies))
	for key, options := range tallies {
		var bestRepr string
		var best *vote
		for repr, v := range options {
			if best == nil || v.weight > best.weight || (v.weight == best.weight && repr < bestRepr) {
				best, bestRepr = v, repr
			}
		}
		result[key] = best.value
	}
	return result
}

func escalate(conflictType domain.ConflictType, participants []string) map[string]any {
	return map[string]any{
		"escalated":     true,
		"conflict_type": string(conflictType),
		"participants":  participants,
	}
}

// consensusLevel is the weighted fraction of resolved key-values the
// proposals agree with.
func consensusLevel(result map[string]any, proposals map[string]map[string]any) float64 {
	if len(result) == 0 || len(proposals) == 0 {
		return 0
	}
	var agreements, checks float64
	for _, proposal := range proposals {
		for key, resolved := range result {
			value, ok := proposal[key]
			if !ok {
				continue
			}
			checks++
			if fmt.Sprintf("%v", value) == fmt.Sprintf("%v", resolved) {
				agreements++
			}
		}
	}
	if checks == 0 {
		return 0
	}
	return agreements / checks
}

func disagreesOn(proposals map[string]map[string]any, key string) bool {
	var seen []string
	for _, proposal := range proposals {
		value, ok := proposal[key]
		if !ok {
			continue
		}
		seen = append(seen, fmt.Sprintf("%v", value))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] != seen[0] {
			return true
		}
	}
	return false
}

func highestWeight(participants []string, weights map[string]float64) string {
	best := ""
	bestWeight := -1.0
	ordered := append([]string(nil), participants...)
	sort.Strings(ordered)
	for _, p := range ordered {
		if weights[p] > bestWeight {
			best = p
			bestWeight = weights[p]
		}
	}
	return best
}

func sortedParticipants(proposals map[string]map[string]any) []string {
	out := make([]string, 0, len(proposals))
	for p := range proposals {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
