package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"propgen/internal/domain"
)

type fakeParticipant struct {
	id       string
	mu       sync.Mutex
	calls    []domain.Task
	execute  func(ctx context.Context, task domain.Task) (map[string]any, error)
	feedback *domain.FeedbackMetrics
}

func (f *fakeParticipant) ID() string {
	return f.id
}

func (f *fakeParticipant) Execute(ctx context.Context, task domain.Task) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task)
	f.mu.Unlock()
	if f.execute != nil {
		return f.execute(ctx, task)
	}
	return map[string]any{"participant": f.id}, nil
}

func (f *fakeParticipant) Feedback(task domain.Task, result map[string]any) domain.FeedbackMetrics {
	if f.feedback != nil {
		return *f.feedback
	}
	return domain.FeedbackMetrics{QualityScore: 0.5, ConfidenceScore: 0.5, AgreementLevel: 0.5}
}

func (f *fakeParticipant) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(t *testing.T, cfg Config, participants ...*fakeParticipant) *Engine {
	t.Helper()
	engine := NewEngine(NewSynthesizer(nil), nil, cfg, nil)
	for _, p := range participants {
		engine.Register(p)
	}
	return engine
}

func collabRequest(mode domain.CollaborationMode, participants ...string) domain.CollaborationRequest {
	return domain.CollaborationRequest{
		ID:           "req-1",
		Mode:         mode,
		Participants: participants,
		Task: domain.Task{
			ID:      "task-1",
			Name:    "proposal_draft",
			Context: domain.ContextFromMap(map[string]any{"topic": "X"}),
		},
	}
}

func TestSequentialOrderAndContextThreading(t *testing.T) {
	p1 := &fakeParticipant{id: "p1"}
	p2 := &fakeParticipant{id: "p2"}
	p3 := &fakeParticipant{id: "p3"}
	engine := newTestEngine(t, Config{}, p1, p2, p3)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeSequential, "p1", "p2", "p3"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}

	ordered, ok := result["results"].([]map[string]any)
	if !ok || len(ordered) != 3 {
		t.Fatalf("results = %#v", result["results"])
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if ordered[i]["participant"] != want {
			t.Fatalf("position %d = %v, want %s", i, ordered[i]["participant"], want)
		}
	}

	// Participant k sees results of participants 1..k-1 in context.
	if len(p1.calls) != 1 || len(p2.calls) != 1 || len(p3.calls) != 1 {
		t.Fatalf("call counts: %d %d %d", len(p1.calls), len(p2.calls), len(p3.calls))
	}
	if _, ok := p1.calls[0].Context.Reduce()["prior_results"]; ok {
		t.Fatalf("first participant should see no prior results")
	}
	prior2, ok := p2.calls[0].Context.Reduce()["prior_results"].([]map[string]any)
	if !ok || len(prior2) != 1 || prior2[0]["participant"] != "p1" {
		t.Fatalf("second participant prior results = %#v", p2.calls[0].Context.Reduce()["prior_results"])
	}
	prior3, ok := p3.calls[0].Context.Reduce()["prior_results"].([]map[string]any)
	if !ok || len(prior3) != 2 {
		t.Fatalf("third participant prior results = %#v", p3.calls[0].Context.Reduce()["prior_results"])
	}
	// Original topic is still visible alongside prior results.
	if p3.calls[0].Context.Reduce()["topic"] != "X" {
		t.Fatalf("topic lost from context")
	}
}

func TestParallelPairsParticipantsWithResults(t *testing.T) {
	p1 := &fakeParticipant{id: "p1"}
	p2 := &fakeParticipant{id: "p2"}
	engine := newTestEngine(t, Config{}, p1, p2)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeParallel, "p1", "p2"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}

	byParticipant, ok := result["participants"].(map[string]any)
	if !ok {
		t.Fatalf("participants = %#v", result["participants"])
	}
	for _, id := range []string{"p1", "p2"} {
		entry, ok := byParticipant[id].(map[string]any)
		if !ok {
			t.Fatalf("missing entry for %s", id)
		}
		pair, _ := entry["result"].(map[string]any)
		if pair["participant"] != id {
			t.Fatalf("result for %s paired with %v", id, pair["participant"])
		}
	}
	if _, ok := result["synthesis"].(map[string]any); !ok {
		t.Fatalf("parallel mode should synthesize")
	}
}

func TestTimeoutBecomesZeroWeightContribution(t *testing.T) {
	fast := &fakeParticipant{id: "fast"}
	slow := &fakeParticipant{
		id: "slow",
		execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	engine := newTestEngine(t, Config{ResponseTimeout: 50 * time.Millisecond}, fast, slow)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeParallel, "fast", "slow"))
	if err != nil {
		t.Fatalf("a timeout must not abort the collaboration: %v", err)
	}
	synthesis := result["synthesis"].(map[string]any)
	weights := synthesis["weights"].(map[string]float64)
	if weights["slow"] != 0 {
		t.Fatalf("slow weight = %f, want 0", weights["slow"])
	}
	if weights["fast"] != 1 {
		t.Fatalf("fast weight = %f, want 1", weights["fast"])
	}
}

func TestIterativeStopsAtRoundCapWithoutConvergence(t *testing.T) {
	stubborn := func(id string) *fakeParticipant {
		return &fakeParticipant{
			id:       id,
			feedback: &domain.FeedbackMetrics{AgreementLevel: 0.1},
			execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
				return map[string]any{"position": id}, nil
			},
		}
	}
	p1, p2 := stubborn("p1"), stubborn("p2")
	engine := newTestEngine(t, Config{MaxRounds: 3, ConvergenceThreshold: 0.8}, p1, p2)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeIterative, "p1", "p2"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if result["rounds"] != 3 {
		t.Fatalf("rounds = %v, want the cap 3", result["rounds"])
	}
	if result["converged"] != false {
		t.Fatalf("converged = %v", result["converged"])
	}
	if p1.callCount() != 3 {
		t.Fatalf("p1 executed %d times, want once per round", p1.callCount())
	}
}

func TestIterativeConvergesEarly(t *testing.T) {
	agreeable := func(id string) *fakeParticipant {
		return &fakeParticipant{
			id:       id,
			feedback: &domain.FeedbackMetrics{AgreementLevel: 0.9},
		}
	}
	p1, p2 := agreeable("p1"), agreeable("p2")
	engine := newTestEngine(t, Config{MaxRounds: 3, ConvergenceThreshold: 0.8}, p1, p2)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeIterative, "p1", "p2"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if result["rounds"] != 1 {
		t.Fatalf("rounds = %v, want early stop after 1", result["rounds"])
	}
	if result["converged"] != true {
		t.Fatalf("converged = %v", result["converged"])
	}
}

func TestIterativeInjectsPreviousIteration(t *testing.T) {
	var second map[string]any
	p1 := &fakeParticipant{
		id:       "p1",
		feedback: &domain.FeedbackMetrics{AgreementLevel: 0.1},
		execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			if prev, ok := task.Context.Reduce()["previous_iteration"].(map[string]any); ok && second == nil {
				second = prev
			}
			return map[string]any{"draft": "v"}, nil
		},
	}
	engine := newTestEngine(t, Config{MaxRounds: 2}, p1)

	if _, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeIterative, "p1")); err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if second == nil {
		t.Fatalf("second round saw no previous_iteration")
	}
	if second["draft"] != "v" {
		t.Fatalf("previous iteration = %v", second)
	}
}

func TestReviewSynthesizesInitialAndReviews(t *testing.T) {
	author := &fakeParticipant{
		id: "author",
		execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			return map[string]any{"draft": "initial text"}, nil
		},
	}
	var sawCriteria []string
	reviewer := &fakeParticipant{
		id: "reviewer",
		execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			flat := task.Context.Reduce()
			if criteria, ok := flat["review_criteria"].([]string); ok {
				sawCriteria = criteria
			}
			initial, _ := flat["initial_result"].(map[string]any)
			return map[string]any{"review_of": initial["draft"], "score": 0.8}, nil
		},
	}
	engine := newTestEngine(t, Config{}, author, reviewer)

	req := collabRequest(domain.ModeReview, "author", "reviewer")
	req.ReviewCriteria = []string{"clarity", "tone"}
	result, err := engine.Collaborate(context.Background(), req)
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}

	if len(sawCriteria) != 2 {
		t.Fatalf("reviewer criteria = %v", sawCriteria)
	}
	initial, _ := result["initial"].(map[string]any)
	if initial["draft"] != "initial text" {
		t.Fatalf("initial = %v", initial)
	}
	reviews, _ := result["reviews"].(map[string]any)
	review, _ := reviews["reviewer"].(map[string]any)
	reviewResult, _ := review["result"].(map[string]any)
	if reviewResult["review_of"] != "initial text" {
		t.Fatalf("review = %v", reviewResult)
	}
	if _, ok := result["final_result"].(map[string]any); !ok {
		t.Fatalf("missing final_result synthesis")
	}
}

func TestConsensusTerminatesAndResolves(t *testing.T) {
	propose := func(id, position string, agreement float64) *fakeParticipant {
		return &fakeParticipant{
			id:       id,
			feedback: &domain.FeedbackMetrics{AgreementLevel: agreement},
			execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
				return map[string]any{"approach": position}, nil
			},
		}
	}
	p1 := propose("p1", "modular", 0.2)
	p2 := propose("p2", "modular", 0.2)
	p3 := propose("p3", "monolith", 0.2)
	engine := newTestEngine(t, Config{MaxRounds: 3, ConvergenceThreshold: 0.9}, p1, p2, p3)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeConsensus, "p1", "p2", "p3"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if result["rounds"] != 3 {
		t.Fatalf("rounds = %v, want cap 3", result["rounds"])
	}
	if result["reached"] != false {
		t.Fatalf("reached = %v", result["reached"])
	}
	final, _ := result["final_consensus"].(map[string]any)
	if final["approach"] != "modular" {
		t.Fatalf("final consensus = %v, want majority position", final)
	}
	level, _ := result["consensus_level"].(float64)
	if level < 0 || level > 1 {
		t.Fatalf("consensus level = %f", level)
	}
}

func TestConsensusEarlyStop(t *testing.T) {
	p1 := &fakeParticipant{id: "p1", feedback: &domain.FeedbackMetrics{AgreementLevel: 0.95}}
	p2 := &fakeParticipant{id: "p2", feedback: &domain.FeedbackMetrics{AgreementLevel: 0.95}}
	engine := newTestEngine(t, Config{MaxRounds: 3, ConvergenceThreshold: 0.9}, p1, p2)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeConsensus, "p1", "p2"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	if result["rounds"] != 1 {
		t.Fatalf("rounds = %v, want 1", result["rounds"])
	}
	if result["reached"] != true {
		t.Fatalf("reached = %v", result["reached"])
	}
}

func TestCollaborateRejectsUnknownParticipant(t *testing.T) {
	engine := newTestEngine(t, Config{})
	_, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeSequential, "ghost"))
	if err == nil {
		t.Fatalf("expected error for unknown participant")
	}
}

func TestCollaborateRejectsUnknownMode(t *testing.T) {
	p := &fakeParticipant{id: "p"}
	engine := newTestEngine(t, Config{}, p)
	_, err := engine.Collaborate(context.Background(), collabRequest(domain.CollaborationMode("osmosis"), "p"))
	if err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestFailedParticipantExcludedFromPriorResults(t *testing.T) {
	failing := &fakeParticipant{
		id: "failing",
		execute: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			return nil, errors.New("boom")
		},
	}
	after := &fakeParticipant{id: "after"}
	engine := newTestEngine(t, Config{}, failing, after)

	result, err := engine.Collaborate(context.Background(), collabRequest(domain.ModeSequential, "failing", "after"))
	if err != nil {
		t.Fatalf("collaborate: %v", err)
	}
	ordered := result["results"].([]map[string]any)
	if ordered[0]["status"] != string(domain.ResponseFailed) {
		t.Fatalf("first status = %v", ordered[0]["status"])
	}
	if _, ok := after.calls[0].Context.Reduce()["prior_results"]; ok {
		t.Fatalf("failed result leaked into prior results")
	}
}
