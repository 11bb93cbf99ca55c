package orchestrator

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"propgen/internal/domain"
	"propgen/internal/executor"
)

type memStore struct {
	mu          sync.Mutex
	progress    map[string]domain.WorkflowProgress
	overalls    []float64
	results     map[string]domain.WorkflowResult
	checkpoints []domain.WorkflowCheckpoint
	events      []domain.WorkflowEvent
}

func newMemStore() *memStore {
	return &memStore{
		progress: make(map[string]domain.WorkflowProgress),
		results:  make(map[string]domain.WorkflowResult),
	}
}

func (m *memStore) SaveProgress(_ context.Context, p domain.WorkflowProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.WorkflowID] = p
	m.overalls = append(m.overalls, p.OverallProgress)
	return nil
}

func (m *memStore) GetProgress(_ context.Context, id string) (domain.WorkflowProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[id]
	if !ok {
		return domain.WorkflowProgress{}, errors.New("not found")
	}
	return p, nil
}

func (m *memStore) ListWorkflows(_ context.Context) ([]domain.WorkflowProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorkflowProgress, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) SaveResult(_ context.Context, r domain.WorkflowResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.WorkflowID] = r
	return nil
}

func (m *memStore) GetResult(_ context.Context, id string) (domain.WorkflowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok {
		return domain.WorkflowResult{}, errors.New("not found")
	}
	return r, nil
}

func (m *memStore) SaveCheckpoint(_ context.Context, c domain.WorkflowCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.checkpoints[:0]
	for _, existing := range m.checkpoints {
		if existing.WorkflowID == c.WorkflowID && existing.Phase == c.Phase {
			continue
		}
		kept = append(kept, existing)
	}
	m.checkpoints = append(kept, c)
	return nil
}

func (m *memStore) LatestCheckpoint(_ context.Context, id string) (domain.WorkflowCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.checkpoints) - 1; i >= 0; i-- {
		if m.checkpoints[i].WorkflowID == id {
			return m.checkpoints[i], nil
		}
	}
	return domain.WorkflowCheckpoint{}, errors.New("not found")
}

func (m *memStore) ListCheckpoints(_ context.Context, id string) ([]domain.WorkflowCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowCheckpoint
	for _, c := range m.checkpoints {
		if c.WorkflowID == id {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, e domain.WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) ListEvents(_ context.Context, id string, limit int) ([]domain.WorkflowEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WorkflowEvent
	for _, e := range m.events {
		if e.WorkflowID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: make(map[string]error), calls: make(map[string]int)}
}

func (f *fakeRunner) Execute(_ context.Context, componentID string, task domain.Task) (executor.Result, error) {
	f.mu.Lock()
	f.calls[componentID]++
	err := f.fail[componentID]
	f.mu.Unlock()
	if err != nil {
		return executor.Result{}, err
	}
	now := time.Now().UTC()
	return executor.Result{
		ComponentID: componentID,
		Output:      map[string]any{componentID + "_output": "ok"},
		Progress: domain.ComponentProgress{
			ComponentName:   componentID,
			Status:          domain.ComponentCompleted,
			ProgressPercent: 100,
			StartTime:       &now,
			EndTime:         &now,
		},
		CacheKey: "key-" + componentID,
	}, nil
}

func (f *fakeRunner) ExecuteBatch(ctx context.Context, ids []string, task domain.Task, concurrent bool) (map[string]executor.Result, map[string]error) {
	results := make(map[string]executor.Result)
	errs := make(map[string]error)
	for _, id := range ids {
		res, err := f.Execute(ctx, id, task)
		if err != nil {
			errs[id] = err
			continue
		}
		results[id] = res
	}
	return results, errs
}

func (f *fakeRunner) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func fullConfig() Config {
	return Config{
		Resumption:         domain.DefaultResumptionStrategy(),
		ConcurrentAnalysis: true,
		IncludeMarket:      true,
		IncludeSEO:         true,
		IncludeMockups:     true,
		IncludeContent:     true,
	}
}

func newTestService(t *testing.T, store *memStore, runner Runner, cfg Config) *Service {
	t.Helper()
	logger := log.New(testLogWriter{t}, "", 0)
	return New(store, runner, cfg, nil, logger)
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestWorkflowCompletesWithWeightedProgress(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	svc := newTestService(t, store, runner, fullConfig())

	input := domain.ContextFromMap(map[string]any{"title": "New product proposal"})
	result, err := svc.StartWorkflow(context.Background(), "wf1", input)
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if !result.Success {
		t.Fatalf("result.Success = false, errors: %v", result.Errors)
	}
	if result.Progress.OverallProgress != 100 {
		t.Fatalf("overall = %v, want 100", result.Progress.OverallProgress)
	}

	// Stage boundaries land exactly on the cumulative weights.
	want := []float64{25, 40, 75, 90, 100}
	for _, boundary := range want {
		found := false
		for _, seen := range store.overalls {
			if math.Abs(seen-boundary) < 1e-9 {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("boundary %v never reported, saw %v", boundary, store.overalls)
		}
	}
	for i := 1; i < len(store.overalls); i++ {
		if store.overalls[i] < store.overalls[i-1] {
			t.Fatalf("overall progress regressed: %v", store.overalls)
		}
	}

	if len(result.Insights) != 7 {
		t.Fatalf("insights count = %d, want 7", len(result.Insights))
	}
	checkpoints, _ := store.ListCheckpoints(context.Background(), "wf1")
	if len(checkpoints) != 5 {
		t.Fatalf("checkpoint count = %d, want one per stage boundary", len(checkpoints))
	}
}

func TestComponentFailureFailsFastWithCheckpoint(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.fail["content_writing"] = errors.New("generation exhausted retries")
	svc := newTestService(t, store, runner, fullConfig())

	result, err := svc.StartWorkflow(context.Background(), "wf2", nil)
	if err == nil {
		t.Fatal("expected error from failed component")
	}
	if result.Success {
		t.Fatal("result.Success = true on failure")
	}
	if result.WorkflowID != "wf2" {
		t.Fatalf("failure result missing workflow id: %q", result.WorkflowID)
	}
	if result.Progress.Status != domain.WorkflowFailed {
		t.Fatalf("status = %s, want failed", result.Progress.Status)
	}
	// Later stages never ran.
	if runner.callCount("style_application") != 0 || runner.callCount("final_compilation") != 0 {
		t.Fatal("stages after the failure were executed")
	}
	cp, err := store.LatestCheckpoint(context.Background(), "wf2")
	if err != nil {
		t.Fatalf("no failure checkpoint: %v", err)
	}
	if cp.Phase != domain.StageContentGeneration {
		t.Fatalf("checkpoint phase = %s, want content_generation", cp.Phase)
	}
	if state := cp.ComponentStates["topic_analysis"]; state.Status != domain.ComponentCompleted {
		t.Fatalf("completed work missing from checkpoint: %+v", cp.ComponentStates)
	}
}

func TestResumeSkipsCompletedComponents(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.fail["content_writing"] = errors.New("transient outage")
	svc := newTestService(t, store, runner, fullConfig())

	input := domain.ContextFromMap(map[string]any{"title": "Resume me"})
	if _, err := svc.StartWorkflow(context.Background(), "wf3", input); err == nil {
		t.Fatal("expected first run to fail")
	}
	firstCalls := runner.callCount("market_analysis")
	if firstCalls != 1 {
		t.Fatalf("market_analysis calls after first run = %d", firstCalls)
	}

	runner.mu.Lock()
	delete(runner.fail, "content_writing")
	runner.mu.Unlock()

	result, err := svc.Resume(context.Background(), "wf3")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success {
		t.Fatalf("resume result failed: %v", result.Errors)
	}
	if runner.callCount("market_analysis") != 1 {
		t.Fatal("completed component re-executed on resume")
	}
	if runner.callCount("content_writing") != 2 {
		t.Fatalf("failed component calls = %d, want re-executed once", runner.callCount("content_writing"))
	}
	// Restored results still reach downstream stages.
	if _, ok := result.Insights["market_analysis"]; !ok {
		t.Fatalf("restored result missing from insights: %v", result.Insights)
	}
	if result.Progress.Components["market_analysis"].Status != domain.ComponentCached {
		t.Fatalf("restored component status = %s", result.Progress.Components["market_analysis"].Status)
	}
}

func TestResumeWithoutCachedResultsRerunsFromScratch(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.fail["content_writing"] = errors.New("transient outage")
	cfg := fullConfig()
	cfg.Resumption = domain.DefaultResumptionStrategy()
	cfg.Resumption.UseCachedResults = false
	svc := newTestService(t, store, runner, cfg)

	input := domain.ContextFromMap(map[string]any{"title": "Start over"})
	if _, err := svc.StartWorkflow(context.Background(), "wf7", input); err == nil {
		t.Fatal("expected first run to fail")
	}

	runner.mu.Lock()
	delete(runner.fail, "content_writing")
	runner.mu.Unlock()

	result, err := svc.Resume(context.Background(), "wf7")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !result.Success {
		t.Fatalf("resume result failed: %v", result.Errors)
	}
	// Without cached results the whole pipeline runs again.
	if runner.callCount("market_analysis") != 2 {
		t.Fatalf("market_analysis calls = %d, want 2", runner.callCount("market_analysis"))
	}
	if _, ok := result.Insights["market_analysis"]; !ok {
		t.Fatalf("re-executed result missing from insights: %v", result.Insights)
	}
	if result.Progress.Components["market_analysis"].Status != domain.ComponentCompleted {
		t.Fatalf("re-executed component status = %s", result.Progress.Components["market_analysis"].Status)
	}
}

func TestSkipFailedComponentsProducesPartialResult(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.fail["seo_analysis"] = errors.New("analyzer unavailable")
	cfg := fullConfig()
	cfg.Resumption = domain.DefaultResumptionStrategy()
	cfg.Resumption.SkipFailedComponents = true
	svc := newTestService(t, store, runner, cfg)

	result, err := svc.StartWorkflow(context.Background(), "wf4", nil)
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if !result.Success {
		t.Fatalf("partial run should succeed: %v", result.Errors)
	}
	if result.Progress.Components["seo_analysis"].Status != domain.ComponentSkipped {
		t.Fatalf("seo_analysis status = %s, want skipped", result.Progress.Components["seo_analysis"].Status)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("skip produced no warning")
	}
	if _, ok := result.Insights["seo_analysis"]; ok {
		t.Fatal("skipped component has output")
	}
	if _, ok := result.Insights["market_analysis"]; !ok {
		t.Fatal("surviving parallel component missing output")
	}
}

func TestSequentialStageFailsFastWithoutSkip(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	runner.fail["topic_analysis"] = errors.New("no topics")
	cfg := fullConfig()
	cfg.Resumption = domain.DefaultResumptionStrategy()
	cfg.Resumption.SkipFailedComponents = true
	svc := newTestService(t, store, runner, cfg)

	// skip_failed_components only applies inside parallel phases.
	result, err := svc.StartWorkflow(context.Background(), "wf5", nil)
	if err == nil {
		t.Fatal("sequential stage failure must fail the workflow")
	}
	if result.Success {
		t.Fatal("result.Success = true")
	}
	if runner.callCount("content_writing") != 0 {
		t.Fatal("downstream stage ran after sequential failure")
	}
}

func TestPriorResultsFlowIntoLaterStages(t *testing.T) {
	store := newMemStore()
	runner := newFakeRunner()
	var finalTask domain.Task
	seen := &capturingRunner{inner: runner, capture: func(id string, task domain.Task) {
		if id == "final_compilation" {
			finalTask = task
		}
	}}
	svc := newTestService(t, store, seen, fullConfig())

	if _, err := svc.StartWorkflow(context.Background(), "wf6", nil); err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	flat := finalTask.Context.Reduce()
	prior, ok := flat["prior_results"]
	if !ok {
		t.Fatalf("final stage saw no prior results: %v", flat)
	}
	results := prior.(map[string]any)
	for _, name := range []string{"market_analysis", "topic_analysis", "content_writing", "style_application"} {
		if _, ok := results[name]; !ok {
			t.Fatalf("prior_results missing %s: %v", name, results)
		}
	}
}

type capturingRunner struct {
	inner   *fakeRunner
	capture func(id string, task domain.Task)
}

func (c *capturingRunner) Execute(ctx context.Context, id string, task domain.Task) (executor.Result, error) {
	c.capture(id, task)
	return c.inner.Execute(ctx, id, task)
}

func (c *capturingRunner) ExecuteBatch(ctx context.Context, ids []string, task domain.Task, concurrent bool) (map[string]executor.Result, map[string]error) {
	for _, id := range ids {
		c.capture(id, task)
	}
	return c.inner.ExecuteBatch(ctx, ids, task, concurrent)
}
