package collab

import (
	"sort"

	"propgen/internal/domain"
)

// Scorer supplies the three weighting signals. The exact scoring is a
// strategy, not a fixed formula; callers can plug their own.
type Scorer interface {
	ExpertiseScore(participant string) float64
	ContributionScore(participant string, result map[string]any) float64
	HistoricalScore(participant string) float64
}

// StaticScorer scores expertise from a fixed table and contribution
// from result richness. Historical defaults to the expertise value so
// cold starts stay order-preserving.
type StaticScorer struct {
	Expertise map[string]float64
}

func (s StaticScorer) ExpertiseScore(participant string) float64 {
	return s.Expertise[participant]
}

func (s StaticScorer) ContributionScore(_ string, result map[string]any) float64 {
	score := float64(len(result)) / 8.0
	if score > 1 {
		score = 1
	}
	return score
}

func (s StaticScorer) HistoricalScore(participant string) float64 {
	return s.Expertise[participant]
}

// Synthesis is the weighted merge of multiple participants' results.
type Synthesis struct {
	PrimaryResults       map[string]any     `json:"primary_results"`
	AlternativeProposals []map[string]any   `json:"alternative_proposals,omitempty"`
	ConfidenceScores     map[string]float64 `json:"confidence_scores"`
	ImplementationRisks  []string           `json:"implementation_risks,omitempty"`
	IntegrationPoints    []string           `json:"integration_points,omitempty"`
	MetaAnalysis         map[string]any     `json:"meta_analysis"`
	QualityMetrics       map[string]float64 `json:"quality_metrics"`
	Weights              map[string]float64 `json:"weights"`
}

type Synthesizer struct {
	scorer Scorer
}

func NewSynthesizer(scorer Scorer) *Synthesizer {
	if scorer == nil {
		scorer = StaticScorer{}
	}
	return &Synthesizer{scorer: scorer}
}

// Weights computes normalized participant weights from the responses.
// Timed-out and failed participants get zero raw weight. When every
// raw score is zero the completed participants share uniform weights.
func (s *Synthesizer) Weights(responses []domain.CollaborationResponse) map[string]float64 {
	weights := make(map[string]float64, len(responses))
	total := 0.0
	completed := 0
	for _, resp := range responses {
		if resp.Status != domain.ResponseCompleted {
			weights[resp.Participant] = 0
			continue
		}
		completed++
		raw := 0.4*s.scorer.ExpertiseScore(resp.Participant) +
			0.4*s.scorer.ContributionScore(resp.Participant, resp.Result) +
			0.2*s.scorer.HistoricalScore(resp.Participant)
		weights[resp.Participant] = raw
		total += raw
	}
	if total > 0 {
		for p, w := range weights {
			weights[p] = w / total
		}
		return weights
	}
	if completed > 0 {
		uniform := 1.0 / float64(completed)
		for _, resp := range responses {
			if resp.Status == domain.ResponseCompleted {
				weights[resp.Participant] = uniform
			}
		}
	}
	return weights
}

// Synthesize merges the responses under the given weights; nil
// weights are computed from the scorer.
func (s *Synthesizer) Synthesize(responses []domain.CollaborationResponse, weights map[string]float64) Synthesis {
	if weights == nil {
		weights = s.Weights(responses)
	}

	out := Synthesis{
		PrimaryResults:   map[string]any{},
		ConfidenceScores: make(map[string]float64, len(responses)),
		Weights:          weights,
		QualityMetrics:   map[string]float64{},
		MetaAnalysis:     map[string]any{},
	}

	// Order responses by descending weight, ties broken by name, so
	// the merge is deterministic.
	ordered := append([]domain.CollaborationResponse(nil), responses...)
	sort.SliceStable(ordered, func(i, j int) bool {
		wi, wj := weights[ordered[i].Participant], weights[ordered[j].Participant]
		if wi != wj {
			return wi > wj
		}
		return ordered[i].Participant < ordered[j].Participant
	})

	var (
		completed    []domain.CollaborationResponse
		risks        []string
		suggestions  []string
		agreementSum float64
		feasSum      float64
		confWeighted float64
		feedbackN    int
	)
	for _, resp := range ordered {
		switch resp.Status {
		case domain.ResponseCompleted:
			completed = append(completed, resp)
		case domain.ResponseTimeout:
			risks = append(risks, "participant "+resp.Participant+" timed out")
		case domain.ResponseFailed:
			risks = append(risks, "participant "+resp.Participant+" failed")
		}
		confidence := weights[resp.Participant]
		if resp.Feedback != nil {
			confidence = weights[resp.Participant] * resp.Feedback.ConfidenceScore
			agreementSum += resp.Feedback.AgreementLevel
			feasSum += resp.Feedback.ImplementationFeasibility
			feedbackN++
		}
		out.ConfidenceScores[resp.Participant] = confidence
		confWeighted += confidence
	}

	if len(completed) > 0 {
		out.PrimaryResults = completed[0].Result
		for _, resp := range completed[1:] {
			out.AlternativeProposals = append(out.AlternativeProposals, resp.Result)
		}
		out.IntegrationPoints = sharedKeys(completed)
		for _, resp := range completed {
			if extra, ok := resp.Result["risks"].([]any); ok {
				for _, r := range extra {
					if text, ok := r.(string); ok {
						risks = append(risks, text)
					}
				}
			}
			if extra, ok := resp.Result["suggestions"].([]any); ok {
				for _, s := range extra {
					if text, ok := s.(string); ok {
						suggestions = append(suggestions, text)
					}
				}
			}
		}
	}
	out.ImplementationRisks = risks

	completeness := 0.0
	if len(responses) > 0 {
		completeness = float64(len(completed)) / float64(len(responses))
	}
	consistency := 0.0
	feasibility := 0.0
	if feedbackN > 0 {
		consistency = agreementSum / float64(feedbackN)
		feasibility = feasSum / float64(feedbackN)
	}
	out.QualityMetrics["completeness"] = completeness
	out.QualityMetrics["consistency"] = consistency
	out.QualityMetrics["feasibility"] = feasibility
	out.QualityMetrics["innovation"] = innovationScore(completed)

	out.MetaAnalysis["confidence_level"] = confWeighted
	out.MetaAnalysis["risks"] = risks
	out.MetaAnalysis["integration_points"] = out.IntegrationPoints
	out.MetaAnalysis["optimization_opportunities"] = suggestions
	return out
}

// AsMap flattens the synthesis for embedding in task results.
func (s Synthesis) AsMap() map[string]any {
	return map[string]any{
		"primary_results":       s.PrimaryResults,
		"alternative_proposals": s.AlternativeProposals,
		"confidence_scores":     s.ConfidenceScores,
		"implementation_risks":  s.ImplementationRisks,
		"integration_points":    s.IntegrationPoints,
		"meta_analysis":         s.MetaAnalysis,
		"quality_metrics":       s.QualityMetrics,
		"weights":               s.Weights,
	}
}

// sharedKeys lists result keys present in at least two completed
// responses, sorted for determinism.
func sharedKeys(responses []domain.CollaborationResponse) []string {
	counts := make(map[string]int)
	for _, resp := range responses {
		for k := range resp.Result {
			counts[k]++
		}
	}
	var shared []string
	for k, n := range counts {
		if n >= 2 {
			shared = append(shared, k)
		}
	}
	sort.Strings(shared)
	return shared
}

// innovationScore is the fraction of result keys unique to a single
// participant.
func innovationScore(responses []domain.CollaborationResponse) float64 {
	counts := make(map[string]int)
	for _, resp := range responses {
		for k := range resp.Result {
			counts[k]++
		}
	}
	if len(counts) == 0 {
		return 0
	}
	unique := 0
	for _, n := range counts {
		if n == 1 {
			unique++
		}
	}
	return float64(unique) / float64(len(counts))
}
