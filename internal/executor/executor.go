// Package executor wraps component invocation with retry, caching,
// and output validation. It is the only place a component failure is
// converted into a retry or skip decision.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"propgen/internal/component"
	"propgen/internal/domain"
	"propgen/internal/validation"
)

// CacheStore persists results across process restarts. The in-memory
// layer in front of it serves repeat lookups within a run.
type CacheStore interface {
	GetCachedResult(ctx context.Context, cacheKey string) (map[string]any, bool, error)
	PutCachedResult(ctx context.Context, cacheKey string, componentID string, result map[string]any) error
}

type Config struct {
	MaxRetries       int
	RetryDelay       time.Duration
	CacheResults     bool
	CacheTTL         time.Duration
	MaxWorkers       int
	ComponentTimeout time.Duration
	ValidationLevel  domain.ValidationLevel
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.ComponentTimeout <= 0 {
		c.ComponentTimeout = 5 * time.Minute
	}
	if c.ValidationLevel == "" {
		c.ValidationLevel = domain.ValidationStrict
	}
	return c
}

// Result pairs a component's output with its execution record.
type Result struct {
	ComponentID string
	Output      map[string]any
	Progress    domain.ComponentProgress
	Validation  []domain.ValidationResult
	CacheKey    string
}

type Executor struct {
	registry   *component.Registry
	rules      *validation.Engine
	store      CacheStore
	memory     *gocache.Cache
	cfg        Config
	logger     *log.Logger
	onProgress func(domain.ComponentProgress)
}

func New(registry *component.Registry, rules *validation.Engine, store CacheStore, cfg Config, logger *log.Logger) *Executor {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if rules == nil {
		rules = validation.NewEngine(nil)
	}
	return &Executor{
		registry: registry,
		rules:    rules,
		store:    store,
		memory:   gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// SetProgressFunc installs a callback invoked on every component
// progress change. Must be set before Execute is called.
func (e *Executor) SetProgressFunc(fn func(domain.ComponentProgress)) {
	e.onProgress = fn
}

// CacheKey is a content address over the component id and the task's
// reduced context, so logically equal inputs collide on purpose.
func CacheKey(componentID string, task domain.Task) string {
	input := task.Context.Reduce()
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(componentID))
	for _, k := range keys {
		h.Write([]byte(k))
		encoded, err := json.Marshal(input[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", input[k]))
		}
		h.Write(encoded)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Execute runs one component with at most MaxRetries+1 attempts. The
// returned Result always carries the final progress record, including
// on error.
func (e *Executor) Execute(ctx context.Context, componentID string, task domain.Task) (Result, error) {
	res := Result{
		ComponentID: componentID,
		CacheKey:    CacheKey(componentID, task),
		Progress: domain.ComponentProgress{
			ComponentName: componentID,
			Status:        domain.ComponentPending,
		},
	}

	comp, err := e.registry.Resolve(componentID)
	if err != nil {
		res.Progress.Status = domain.ComponentFailed
		res.Progress.ErrorMessage = err.Error()
		e.emit(res.Progress)
		return res, err
	}

	if e.cfg.CacheResults {
		if cached, hit := e.lookupCache(ctx, res.CacheKey); hit {
			now := time.Now().UTC()
			res.Output = cached
			res.Progress.Status = domain.ComponentCached
			res.Progress.CacheHit = true
			res.Progress.ProgressPercent = 100
			res.Progress.StartTime = &now
			res.Progress.EndTime = &now
			res.Validation = e.rules.Evaluate(componentID, cached)
			e.emit(res.Progress)
			return res, nil
		}
	}

	started := time.Now().UTC()
	res.Progress.Status = domain.ComponentRunning
	res.Progress.StartTime = &started
	e.emit(res.Progress)

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			res.Progress.RetryCount = attempt
			res.Progress.CurrentStep = fmt.Sprintf("retry %d/%d", attempt, e.cfg.MaxRetries)
			e.emit(res.Progress)
			if err := sleepCtx(ctx, e.cfg.RetryDelay); err != nil {
				lastErr = err
				break
			}
		}

		output, err := e.runOnce(ctx, comp, task)
		if err != nil {
			lastErr = err
			e.logger.Printf("component %s attempt %d/%d failed: %v", componentID, attempt+1, e.cfg.MaxRetries+1, err)
			continue
		}

		results := e.rules.Evaluate(componentID, output)
		res.Validation = results
		if validation.HasBlockingFailure(results, e.cfg.ValidationLevel) {
			lastErr = fmt.Errorf("component %s output failed validation", componentID)
			e.logger.Printf("component %s attempt %d/%d rejected by validation", componentID, attempt+1, e.cfg.MaxRetries+1)
			continue
		}

		ended := time.Now().UTC()
		res.Output = output
		res.Progress.Status = domain.ComponentCompleted
		res.Progress.ProgressPercent = 100
		res.Progress.EndTime = &ended
		res.Progress.ErrorMessage = ""
		e.emit(res.Progress)

		if e.cfg.CacheResults {
			e.storeCache(ctx, res.CacheKey, componentID, output)
		}
		return res, nil
	}

	ended := time.Now().UTC()
	res.Progress.Status = domain.ComponentFailed
	res.Progress.EndTime = &ended
	if lastErr != nil {
		res.Progress.ErrorMessage = lastErr.Error()
	}
	e.emit(res.Progress)
	return res, fmt.Errorf("component %s failed after %d attempts: %w", componentID, e.cfg.MaxRetries+1, lastErr)
}

// ExecuteBatch runs a set of independent components for one phase.
// Concurrent mode fans out up to MaxWorkers at a time; sequential
// mode keeps the given order. Results stay keyed by component id
// either way.
func (e *Executor) ExecuteBatch(ctx context.Context, componentIDs []string, task domain.Task, concurrent bool) (map[string]Result, map[string]error) {
	results := make(map[string]Result, len(componentIDs))
	errs := make(map[string]error)

	if !concurrent || len(componentIDs) < 2 {
		for _, id := range componentIDs {
			res, err := e.Execute(ctx, id, task)
			results[id] = res
			if err != nil {
				errs[id] = err
			}
		}
		return results, errs
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.cfg.MaxWorkers)
	for _, id := range componentIDs {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := e.Execute(ctx, id, task)
			mu.Lock()
			results[id] = res
			if err != nil {
				errs[id] = err
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results, errs
}

func (e *Executor) runOnce(ctx context.Context, comp component.Component, task domain.Task) (map[string]any, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ComponentTimeout)
	defer cancel()
	return comp.Execute(runCtx, task)
}

func (e *Executor) lookupCache(ctx context.Context, key string) (map[string]any, bool) {
	if cached, ok := e.memory.Get(key); ok {
		if result, ok := cached.(map[string]any); ok {
			return result, true
		}
	}
	if e.store == nil {
		return nil, false
	}
	result, hit, err := e.store.GetCachedResult(ctx, key)
	if err != nil {
		e.logger.Printf("cache lookup %s: %v", key, err)
		return nil, false
	}
	if hit {
		e.memory.Set(key, result, gocache.DefaultExpiration)
	}
	return result, hit
}

func (e *Executor) storeCache(ctx context.Context, key string, componentID string, result map[string]any) {
	e.memory.Set(key, result, gocache.DefaultExpiration)
	if e.store == nil {
		return
	}
	if err := e.store.PutCachedResult(ctx, key, componentID, result); err != nil {
		e.logger.Printf("cache store %s: %v", key, err)
	}
}

func (e *Executor) emit(progress domain.ComponentProgress) {
	if e.onProgress != nil {
		e.onProgress(progress)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
