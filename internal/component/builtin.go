package component

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"propgen/internal/domain"
)

// RegisterBuiltins installs the pipeline's stock components. They are
// deterministic over the task context so cache keys stay stable.
func RegisterBuiltins(r *Registry) error {
	builtins := []Component{
		Func{Name: "market_analysis", Run: runMarketAnalysis},
		Func{Name: "seo_analysis", Run: runSEOAnalysis},
		Func{Name: "mockup_generator", Run: runMockupGenerator},
		Func{Name: "topic_analysis", Run: runTopicAnalysis},
		Func{Name: "content_writing", Run: runContentWriting},
		Func{Name: "style_application", Run: runStyleApplication},
		Func{Name: "final_compilation", Run: runFinalCompilation},
	}
	for _, c := range builtins {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func taskField(task domain.Task, key, fallback string) string {
	if v, ok := task.Context.Reduce()[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:8])
}

func runMarketAnalysis(_ context.Context, task domain.Task) (map[string]any, error) {
	title := taskField(task, "title", "untitled proposal")
	audience := taskField(task, "audience", "general")
	return map[string]any{
		"market_summary":  fmt.Sprintf("Market outlook for %q targeting the %s segment.", title, audience),
		"target_audience": audience,
		"competitors":     []any{"incumbent_a", "incumbent_b"},
		"quality_score":   0.8,
		"confidence":      0.75,
	}, nil
}

func runSEOAnalysis(_ context.Context, task domain.Task) (map[string]any, error) {
	title := taskField(task, "title", "untitled proposal")
	words := strings.Fields(strings.ToLower(title))
	keywords := make([]any, 0, len(words))
	for _, w := range words {
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}
	return map[string]any{
		"keywords":      keywords,
		"search_volume": fmt.Sprintf("vol-%s", fingerprint(title)),
		"quality_score": 0.7,
	}, nil
}

func runMockupGenerator(_ context.Context, task domain.Task) (map[string]any, error) {
	title := taskField(task, "title", "untitled proposal")
	return map[string]any{
		"mockup_refs": []any{
			"mockups/" + fingerprint(title, "cover") + ".png",
			"mockups/" + fingerprint(title, "detail") + ".png",
		},
		"quality_score": 0.7,
	}, nil
}

func runTopicAnalysis(_ context.Context, task domain.Task) (map[string]any, error) {
	title := taskField(task, "title", "untitled proposal")
	flat := task.Context.Reduce()
	topics := []any{"positioning", "differentiation"}
	if _, ok := flat["prior_results"]; ok {
		topics = append(topics, "market_fit")
	}
	return map[string]any{
		"primary_topic": title,
		"topics":        topics,
		"outline":       []any{"problem", "solution", "evidence", "plan"},
		"quality_score": 0.8,
	}, nil
}

func runContentWriting(_ context.Context, task domain.Task) (map[string]any, error) {
	title := taskField(task, "title", "untitled proposal")
	audience := taskField(task, "audience", "general")
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "This proposal addresses the %s audience.\n\n", audience)
	for _, section := range []string{"Problem", "Solution", "Evidence", "Plan"} {
		fmt.Fprintf(&b, "## %s\n\nDraft %s section for %s.\n\n", section, strings.ToLower(section), title)
	}
	return map[string]any{
		"content":       b.String(),
		"section_count": float64(4),
		"word_count":    float64(len(strings.Fields(b.String()))),
		"quality_score": 0.8,
		"confidence":    0.7,
	}, nil
}

func runStyleApplication(_ context.Context, task domain.Task) (map[string]any, error) {
	flat := task.Context.Reduce()
	style := taskField(task, "style", "formal")
	content := ""
	if prior, ok := flat["prior_results"].(map[string]any); ok {
		if writing, ok := prior["content_writing"].(map[string]any); ok {
			content, _ = writing["content"].(string)
		}
	}
	if content == "" {
		content = "# " + taskField(task, "title", "untitled proposal") + "\n"
	}
	return map[string]any{
		"styled_content": content,
		"style":          style,
		"quality_score":  0.8,
	}, nil
}

func runFinalCompilation(_ context.Context, task domain.Task) (map[string]any, error) {
	title := taskField(task, "title", "untitled proposal")
	slug := fingerprint(title)
	flat := task.Context.Reduce()
	sections := []any{"proposal"}
	if prior, ok := flat["prior_results"].(map[string]any); ok {
		if _, ok := prior["market_analysis"]; ok {
			sections = append(sections, "market_appendix")
		}
		if _, ok := prior["mockup_generator"]; ok {
			sections = append(sections, "mockup_appendix")
		}
	}
	return map[string]any{
		"document_title": title,
		"sections":       sections,
		"artifact_locations": map[string]any{
			"proposal": "artifacts/" + slug + "/proposal.md",
			"summary":  "artifacts/" + slug + "/summary.md",
		},
		"quality_score": 0.85,
		"confidence":    0.8,
	}, nil
}
