package validation

import (
	"propgen/internal/domain"
)

// ComputeQuality folds validation outcomes into the workflow-level
// quality metrics. Completeness is the pass rate, accuracy the pass
// rate of error-severity rules, consistency the pass rate of
// warning-severity rules. Relevance and readability have no rule
// signal and track the overall pass rate.
func ComputeQuality(results []domain.ValidationResult) domain.QualityMetrics {
	metrics := domain.QualityMetrics{
		Completeness: 1,
		Relevance:    1,
		Accuracy:     1,
		Consistency:  1,
		Readability:  1,
	}
	if len(results) == 0 {
		metrics.OverallQuality = domain.QualityGood
		return metrics
	}

	var total, passed, errTotal, errPassed, warnTotal, warnPassed int
	for _, r := range results {
		total++
		if r.Passed {
			passed++
		}
		switch r.Severity {
		case domain.SeverityError:
			errTotal++
			if r.Passed {
				errPassed++
			} else {
				metrics.Errors = append(metrics.Errors, r.Message)
			}
		case domain.SeverityWarning:
			warnTotal++
			if r.Passed {
				warnPassed++
			} else {
				metrics.Warnings = append(metrics.Warnings, r.Message)
			}
		case domain.SeveritySuggestion:
			if !r.Passed && r.FixSuggestion != "" {
				metrics.Suggestions = append(metrics.Suggestions, r.FixSuggestion)
			}
		}
	}

	rate := float64(passed) / float64(total)
	metrics.Completeness = rate
	metrics.Relevance = rate
	metrics.Readability = rate
	if errTotal > 0 {
		metrics.Accuracy = float64(errPassed) / float64(errTotal)
	}
	if warnTotal > 0 {
		metrics.Consistency = float64(warnPassed) / float64(warnTotal)
	}
	metrics.OverallQuality = gradeQuality(rate, metrics.Accuracy)
	return metrics
}

func gradeQuality(passRate, accuracy float64) domain.QualityLevel {
	score := 0.6*passRate + 0.4*accuracy
	switch {
	case score >= 0.95:
		return domain.QualityExcellent
	case score >= 0.8:
		return domain.QualityGood
	case score >= 0.6:
		return domain.QualityFair
	case score >= 0.4:
		return domain.QualityPoor
	default:
		return domain.QualityUnacceptable
	}
}
