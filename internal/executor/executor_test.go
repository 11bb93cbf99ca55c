package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"propgen/internal/component"
	"propgen/internal/domain"
	"propgen/internal/validation"
)

func newRegistry(t *testing.T, components ...component.Component) *component.Registry {
	t.Helper()
	registry := component.NewRegistry()
	for _, c := range components {
		if err := registry.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID(), err)
		}
	}
	return registry
}

func taskWithContext(data map[string]any) domain.Task {
	return domain.Task{
		ID:      "task-1",
		Name:    "analysis",
		Context: domain.ContextFromMap(data),
		Status:  domain.TaskStatusPending,
	}
}

func TestPermanentFailureUsesExactlyMaxRetriesPlusOneAttempts(t *testing.T) {
	var attempts atomic.Int64
	failing := component.Func{
		Name: "market_analysis",
		Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			attempts.Add(1)
			return nil, errors.New("upstream unavailable")
		},
	}
	exec := New(newRegistry(t, failing), nil, nil, Config{MaxRetries: 2, RetryDelay: time.Millisecond}, nil)

	res, err := exec.Execute(context.Background(), "market_analysis", taskWithContext(map[string]any{"industry": "tech"}))
	if err == nil {
		t.Fatalf("expected failure")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want max_retries+1 = 3", got)
	}
	if res.Progress.Status != domain.ComponentFailed {
		t.Fatalf("status = %s", res.Progress.Status)
	}
	if res.Progress.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", res.Progress.RetryCount)
	}
	if res.Progress.ErrorMessage == "" {
		t.Fatalf("error message not recorded")
	}
}

func TestFailTwiceThenSucceed(t *testing.T) {
	var attempts atomic.Int64
	flaky := component.Func{
		Name: "seo_analysis",
		Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			if attempts.Add(1) <= 2 {
				return nil, errors.New("transient")
			}
			return map[string]any{"keywords": []any{"proposal"}}, nil
		},
	}
	exec := New(newRegistry(t, flaky), nil, nil, Config{MaxRetries: 2, RetryDelay: time.Millisecond}, nil)

	res, err := exec.Execute(context.Background(), "seo_analysis", taskWithContext(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Progress.Status != domain.ComponentCompleted {
		t.Fatalf("status = %s, want completed", res.Progress.Status)
	}
	if res.Progress.RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", res.Progress.RetryCount)
	}
}

type memStore struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

func (m *memStore) GetCachedResult(_ context.Context, key string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.data[key]
	return result, ok, nil
}

func (m *memStore) PutCachedResult(_ context.Context, key, componentID string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]map[string]any)
	}
	m.data[key] = result
	return nil
}

func TestCacheHitPerformsWorkOnce(t *testing.T) {
	var runs atomic.Int64
	analysis := component.Func{
		Name: "market_analysis",
		Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			runs.Add(1)
			return map[string]any{"market_size": "large"}, nil
		},
	}
	exec := New(newRegistry(t, analysis), nil, &memStore{}, Config{CacheResults: true}, nil)
	task := taskWithContext(map[string]any{"industry": "tech"})

	first, err := exec.Execute(context.Background(), "market_analysis", task)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.Progress.CacheHit {
		t.Fatalf("first call should miss")
	}

	second, err := exec.Execute(context.Background(), "market_analysis", task)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.Progress.CacheHit {
		t.Fatalf("second call should hit the cache")
	}
	if second.Progress.Status != domain.ComponentCached {
		t.Fatalf("second status = %s", second.Progress.Status)
	}
	if runs.Load() != 1 {
		t.Fatalf("component ran %d times, want 1", runs.Load())
	}
	if second.Output["market_size"] != "large" {
		t.Fatalf("cached output = %v", second.Output)
	}

	// A different input is a different cache key.
	other := taskWithContext(map[string]any{"industry": "retail"})
	third, err := exec.Execute(context.Background(), "market_analysis", other)
	if err != nil {
		t.Fatalf("third execute: %v", err)
	}
	if third.Progress.CacheHit {
		t.Fatalf("different input must not hit")
	}
	if runs.Load() != 2 {
		t.Fatalf("component ran %d times, want 2", runs.Load())
	}
}

func TestCacheKeyIgnoresMapOrder(t *testing.T) {
	a := taskWithContext(map[string]any{"industry": "tech", "region": "eu"})
	b := taskWithContext(map[string]any{"region": "eu", "industry": "tech"})
	if CacheKey("c", a) != CacheKey("c", b) {
		t.Fatalf("cache key depends on map iteration order")
	}
	if CacheKey("c", a) == CacheKey("d", a) {
		t.Fatalf("cache key ignores component id")
	}
}

func TestStrictValidationDemotesAttempt(t *testing.T) {
	var runs atomic.Int64
	incomplete := component.Func{
		Name: "content_writing",
		Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			runs.Add(1)
			return map[string]any{"summary": ""}, nil
		},
	}
	rules := validation.NewEngine([]domain.ValidationRule{{
		RuleID:    "summary-nonempty",
		Component: "content_writing",
		CheckType: validation.CheckNonEmpty,
		Severity:  domain.SeverityError,
		Condition: map[string]any{"field": "summary"},
		Message:   "summary empty",
	}})

	exec := New(newRegistry(t, incomplete), rules, nil, Config{MaxRetries: 1, RetryDelay: time.Millisecond, ValidationLevel: domain.ValidationStrict}, nil)
	res, err := exec.Execute(context.Background(), "content_writing", taskWithContext(nil))
	if err == nil {
		t.Fatalf("strict validation failure should fail the execution")
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, validation failure should trigger retry", runs.Load())
	}
	if res.Progress.Status != domain.ComponentFailed {
		t.Fatalf("status = %s", res.Progress.Status)
	}

	// The same output passes under lenient validation.
	lenient := New(newRegistry(t, incomplete), rules, nil, Config{ValidationLevel: domain.ValidationLenient}, nil)
	res, err = lenient.Execute(context.Background(), "content_writing", taskWithContext(nil))
	if err != nil {
		t.Fatalf("lenient execute: %v", err)
	}
	if res.Progress.Status != domain.ComponentCompleted {
		t.Fatalf("lenient status = %s", res.Progress.Status)
	}
	if len(res.Validation) != 1 || res.Validation[0].Passed {
		t.Fatalf("validation results should still report the failure: %+v", res.Validation)
	}
}

func TestExecuteBatchPreservesIdentity(t *testing.T) {
	ids := []string{"market_analysis", "seo_analysis", "mockup_generator"}
	components := make([]component.Component, 0, len(ids))
	for _, id := range ids {
		id := id
		components = append(components, component.Func{
			Name: id,
			Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
				return map[string]any{"source": id}, nil
			},
		})
	}
	exec := New(newRegistry(t, components...), nil, nil, Config{MaxWorkers: 2}, nil)

	results, errs := exec.ExecuteBatch(context.Background(), ids, taskWithContext(nil), true)
	if len(errs) != 0 {
		t.Fatalf("errors: %v", errs)
	}
	if len(results) != 3 {
		t.Fatalf("result count = %d", len(results))
	}
	for _, id := range ids {
		res, ok := results[id]
		if !ok {
			t.Fatalf("missing result for %s", id)
		}
		if res.Output["source"] != id {
			t.Fatalf("result for %s carries output %v", id, res.Output)
		}
	}
}

func TestExecuteBatchCollectsPartialFailures(t *testing.T) {
	good := component.Func{
		Name: "seo_analysis",
		Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	}
	bad := component.Func{
		Name: "market_analysis",
		Run: func(ctx context.Context, task domain.Task) (map[string]any, error) {
			return nil, fmt.Errorf("no data source")
		},
	}
	exec := New(newRegistry(t, good, bad), nil, nil, Config{MaxRetries: 0, MaxWorkers: 2}, nil)

	results, errs := exec.ExecuteBatch(context.Background(), []string{"market_analysis", "seo_analysis"}, taskWithContext(nil), true)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want one failure", errs)
	}
	if _, ok := errs["market_analysis"]; !ok {
		t.Fatalf("failure not attributed to market_analysis: %v", errs)
	}
	if results["seo_analysis"].Progress.Status != domain.ComponentCompleted {
		t.Fatalf("healthy component affected by sibling failure")
	}
}

func TestUnknownComponent(t *testing.T) {
	exec := New(newRegistry(t), nil, nil, Config{}, nil)
	_, err := exec.Execute(context.Background(), "ghost", taskWithContext(nil))
	if !errors.Is(err, component.ErrUnknownComponent) {
		t.Fatalf("expected ErrUnknownComponent, got %v", err)
	}
}
