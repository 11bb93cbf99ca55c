// Package orchestrator runs the proposal pipeline end to end. It owns
// stage ordering, weighted progress, checkpointing, and resumption;
// per-component retry and caching live in the executor.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"propgen/internal/domain"
	"propgen/internal/executor"
	"propgen/internal/progress"
	"propgen/internal/validation"
)

const orchestratorActor = "orchestrator"

type Store interface {
	SaveProgress(ctx context.Context, progress domain.WorkflowProgress) error
	GetProgress(ctx context.Context, workflowID string) (domain.WorkflowProgress, error)
	ListWorkflows(ctx context.Context) ([]domain.WorkflowProgress, error)
	SaveResult(ctx context.Context, result domain.WorkflowResult) error
	GetResult(ctx context.Context, workflowID string) (domain.WorkflowResult, error)
	SaveCheckpoint(ctx context.Context, checkpoint domain.WorkflowCheckpoint) error
	LatestCheckpoint(ctx context.Context, workflowID string) (domain.WorkflowCheckpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]domain.WorkflowCheckpoint, error)
	AppendEvent(ctx context.Context, event domain.WorkflowEvent) error
	ListEvents(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowEvent, error)
}

// Runner is the executor surface the orchestrator needs. All retry,
// cache, and validation decisions happen behind it.
type Runner interface {
	Execute(ctx context.Context, componentID string, task domain.Task) (executor.Result, error)
	ExecuteBatch(ctx context.Context, componentIDs []string, task domain.Task, concurrent bool) (map[string]executor.Result, map[string]error)
}

type Config struct {
	StageWeights       map[domain.Stage]float64
	Resumption         domain.ResumptionStrategy
	ConcurrentAnalysis bool
	IncludeMarket      bool
	IncludeSEO         bool
	IncludeMockups     bool
	IncludeContent     bool
}

func (c Config) withDefaults() Config {
	if len(c.StageWeights) == 0 {
		c.StageWeights = domain.DefaultStageWeights()
	}
	c.Resumption = c.Resumption.WithDefaults()
	return c
}

type stagePlan struct {
	stage      domain.Stage
	weight     float64
	components []string
	parallel   bool
}

type Service struct {
	store  Store
	runner Runner
	cfg    Config
	sink   progress.Sink
	logger *log.Logger
	plan   []stagePlan
}

func New(store Store, runner Runner, cfg Config, sink progress.Sink, logger *log.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		store:  store,
		runner: runner,
		cfg:    cfg,
		sink:   sink,
		logger: logger,
	}
	s.plan = s.buildPlan()
	return s
}

func (s *Service) buildPlan() []stagePlan {
	var research []string
	if s.cfg.IncludeMarket {
		research = append(research, "market_analysis")
	}
	if s.cfg.IncludeSEO {
		research = append(research, "seo_analysis")
	}
	if s.cfg.IncludeMockups {
		research = append(research, "mockup_generator")
	}
	var content []string
	if s.cfg.IncludeContent {
		content = append(content, "content_writing")
	}
	return []stagePlan{
		{stage: domain.StageResearch, weight: s.cfg.StageWeights[domain.StageResearch], components: research, parallel: s.cfg.ConcurrentAnalysis},
		{stage: domain.StageTopicAnalysis, weight: s.cfg.StageWeights[domain.StageTopicAnalysis], components: []string{"topic_analysis"}},
		{stage: domain.StageContentGeneration, weight: s.cfg.StageWeights[domain.StageContentGeneration], components: content},
		{stage: domain.StageStyleApplication, weight: s.cfg.StageWeights[domain.StageStyleApplication], components: []string{"style_application"}},
		{stage: domain.StageFinalCompilation, weight: s.cfg.StageWeights[domain.StageFinalCompilation], components: []string{"final_compilation"}},
	}
}

// runState carries one workflow execution across stages.
type runState struct {
	workflowID string
	progress   domain.WorkflowProgress
	tracker    *progress.Tracker
	results    map[string]map[string]any
	validation []domain.ValidationResult
	cacheKeys  []string
	completed  []string
	errors     []string
	warnings   []string
	startedAt  time.Time
}

// StartWorkflow runs the full pipeline for the given input context.
// The returned WorkflowResult is always populated, also on failure.
func (s *Service) StartWorkflow(ctx context.Context, workflowID string, input domain.Context) (domain.WorkflowResult, error) {
	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	run := s.newRun(workflowID)
	s.logger.Printf("workflow %s: starting, %d stages", workflowID, len(s.plan))
	s.event(ctx, workflowID, "workflow_started", "", map[string]any{"input_keys": contextKeys(input)})
	return s.run(ctx, run, input, 0)
}

// Resume continues a workflow from its latest checkpoint. When the
// resumption strategy allows cached results, completed components are
// restored and execution picks up at the first unfinished stage;
// otherwise the whole pipeline re-runs from the first stage.
func (s *Service) Resume(ctx context.Context, workflowID string) (domain.WorkflowResult, error) {
	checkpoint, err := s.store.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return domain.WorkflowResult{}, fmt.Errorf("load checkpoint for %s: %w", workflowID, err)
	}
	run := s.newRun(workflowID)
	run.progress.Status = domain.WorkflowResuming

	startStage := 0
	var input domain.Context
	if restored, ok := checkpoint.IntermediateResults["input_context"]; ok {
		if entries, ok := restored.(map[string]any); ok {
			input = domain.ContextFromMap(entries)
		}
	}
	if s.cfg.Resumption.UseCachedResults {
		for name, state := range checkpoint.ComponentStates {
			if state.Status != domain.ComponentCompleted && state.Status != domain.ComponentCached {
				continue
			}
			run.results[name] = state.Result
			run.completed = append(run.completed, name)
			now := time.Now().UTC()
			run.progress.Components[name] = &domain.ComponentProgress{
				ComponentName:   name,
				Status:          domain.ComponentCached,
				ProgressPercent: 100,
				CacheHit:        true,
				StartTime:       &now,
				EndTime:         &now,
			}
		}
		sort.Strings(run.completed)
		startStage = s.resumeIndex(checkpoint)
		run.cacheKeys = append(run.cacheKeys, checkpoint.CacheKeys...)
	}

	s.logger.Printf("workflow %s: resuming from checkpoint %s at stage %s", workflowID, checkpoint.ID, checkpoint.Phase)
	s.event(ctx, workflowID, "workflow_resumed", string(checkpoint.Phase), map[string]any{"checkpoint_id": checkpoint.ID})
	return s.run(ctx, run, input, startStage)
}

// resumeIndex finds the first stage with unfinished components. A
// failure checkpoint points at its own phase, a boundary checkpoint
// at the next one.
func (s *Service) resumeIndex(checkpoint domain.WorkflowCheckpoint) int {
	for i, plan := range s.plan {
		if plan.stage != checkpoint.Phase {
			continue
		}
		for _, name := range plan.components {
			state, ok := checkpoint.ComponentStates[name]
			if !ok || (state.Status != domain.ComponentCompleted && state.Status != domain.ComponentCached && state.Status != domain.ComponentSkipped) {
				return i
			}
		}
		if i+1 < len(s.plan) {
			return i + 1
		}
		return i
	}
	return 0
}

func (s *Service) newRun(workflowID string) *runState {
	now := time.Now().UTC()
	return &runState{
		workflowID: workflowID,
		startedAt:  now,
		tracker:    progress.NewTracker(s.sink),
		results:    make(map[string]map[string]any),
		progress: domain.WorkflowProgress{
			WorkflowID: workflowID,
			Status:     domain.WorkflowInProgress,
			StartTime:  now,
			LastUpdate: now,
			Components: make(map[string]*domain.ComponentProgress),
		},
	}
}

func (s *Service) run(ctx context.Context, run *runState, input domain.Context, startStage int) (domain.WorkflowResult, error) {
	for i := startStage; i < len(s.plan); i++ {
		plan := s.plan[i]
		run.progress.CurrentPhase = plan.stage
		s.publishProgress(ctx, run, i, 0, fmt.Sprintf("%s: starting", stageLabel(plan.stage)))

		if err := s.runStage(ctx, run, input, i); err != nil {
			s.failureCheckpoint(ctx, run, input, plan.stage)
			run.progress.Status = domain.WorkflowFailed
			run.tracker.Error(err.Error())
			s.saveProgress(ctx, run)
			s.event(ctx, run.workflowID, "workflow_failed", string(plan.stage), map[string]any{"error": err.Error()})
			result := s.buildResult(run, false)
			if saveErr := s.store.SaveResult(ctx, result); saveErr != nil {
				s.logger.Printf("workflow %s: save failure result: %v", run.workflowID, saveErr)
			}
			return result, err
		}

		s.boundaryCheckpoint(ctx, run, input, plan.stage)
		s.publishProgress(ctx, run, i+1, 0, fmt.Sprintf("%s: completed", stageLabel(plan.stage)))
	}

	run.progress.Status = domain.WorkflowCompleted
	quality := validation.ComputeQuality(run.validation)
	run.progress.Quality = &quality
	summary := run.tracker.Complete()
	s.saveProgress(ctx, run)
	s.event(ctx, run.workflowID, "workflow_completed", "", map[string]any{
		"duration": summary.Total.String(),
		"quality":  string(quality.OverallQuality),
	})

	result := s.buildResult(run, true)
	if err := s.store.SaveResult(ctx, result); err != nil {
		s.logger.Printf("workflow %s: save result: %v", run.workflowID, err)
	}
	return result, nil
}

func (s *Service) runStage(ctx context.Context, run *runState, input domain.Context, stageIdx int) error {
	plan := s.plan[stageIdx]
	pending := make([]string, 0, len(plan.components))
	for _, name := range plan.components {
		if _, done := run.results[name]; !done {
			if cp, ok := run.progress.Components[name]; !ok || cp.Status != domain.ComponentSkipped {
				pending = append(pending, name)
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	task := s.stageTask(run, input, plan.stage)

	if plan.parallel && len(pending) > 1 {
		results, errs := s.runner.ExecuteBatch(ctx, pending, task, true)
		names := append([]string(nil), pending...)
		sort.Strings(names)
		var failed []string
		for _, name := range names {
			if res, ok := results[name]; ok {
				s.recordSuccess(ctx, run, stageIdx, res)
				continue
			}
			err := errs[name]
			if s.cfg.Resumption.SkipFailedComponents {
				s.recordSkip(ctx, run, stageIdx, name, err)
				continue
			}
			s.recordFailure(run, name, err)
			failed = append(failed, fmt.Sprintf("%s: %v", name, err))
		}
		if len(failed) > 0 {
			return fmt.Errorf("stage %s: %s", plan.stage, strings.Join(failed, "; "))
		}
		return nil
	}

	for _, name := range pending {
		task = s.stageTask(run, input, plan.stage)
		res, err := s.runner.Execute(ctx, name, task)
		if err != nil {
			s.recordFailure(run, name, err)
			return fmt.Errorf("stage %s: component %s: %w", plan.stage, name, err)
		}
		s.recordSuccess(ctx, run, stageIdx, res)
	}
	return nil
}

// stageTask builds the task a stage's components see: the workflow
// input plus everything earlier components produced.
func (s *Service) stageTask(run *runState, input domain.Context, stage domain.Stage) domain.Task {
	taskCtx := input
	if len(run.results) > 0 {
		prior := make(map[string]any, len(run.results))
		for name, result := range run.results {
			prior[name] = result
		}
		taskCtx = taskCtx.WithEntry(domain.ContextEntry{
			Type: "prior_results",
			Data: map[string]any{"prior_results": prior},
		})
	}
	now := time.Now().UTC()
	return domain.Task{
		ID:        run.workflowID + ":" + string(stage),
		Name:      string(stage),
		Status:    domain.TaskStatusInProgress,
		Context:   taskCtx,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Service) recordSuccess(ctx context.Context, run *runState, stageIdx int, res executor.Result) {
	cp := res.Progress
	run.progress.Components[res.ComponentID] = &cp
	run.results[res.ComponentID] = res.Output
	run.validation = append(run.validation, res.Validation...)
	run.completed = append(run.completed, res.ComponentID)
	if res.CacheKey != "" {
		run.cacheKeys = append(run.cacheKeys, res.CacheKey)
	}
	for _, v := range res.Validation {
		if v.Passed {
			continue
		}
		if v.Severity == domain.SeverityError {
			run.progress.ErrorCount++
		} else if v.Severity == domain.SeverityWarning {
			run.progress.WarningCount++
		}
	}

	plan := s.plan[stageIdx]
	local := s.stageLocalProgress(run, plan)
	detail := fmt.Sprintf("%s: %s completed", stageLabel(plan.stage), res.ComponentID)
	if cp.CacheHit {
		detail = fmt.Sprintf("%s: %s served from cache", stageLabel(plan.stage), res.ComponentID)
	}
	s.publishProgress(ctx, run, stageIdx, local, detail)
	s.event(ctx, run.workflowID, "component_completed", res.ComponentID, map[string]any{
		"stage":       string(plan.stage),
		"cache_hit":   cp.CacheHit,
		"retry_count": cp.RetryCount,
	})
}

func (s *Service) recordFailure(run *runState, name string, err error) {
	now := time.Now().UTC()
	run.progress.Components[name] = &domain.ComponentProgress{
		ComponentName: name,
		Status:        domain.ComponentFailed,
		ErrorMessage:  err.Error(),
		EndTime:       &now,
	}
	run.progress.ErrorCount++
}

func (s *Service) recordSkip(ctx context.Context, run *runState, stageIdx int, name string, err error) {
	now := time.Now().UTC()
	run.progress.Components[name] = &domain.ComponentProgress{
		ComponentName:   name,
		Status:          domain.ComponentSkipped,
		ProgressPercent: 0,
		ErrorMessage:    err.Error(),
		EndTime:         &now,
	}
	run.warnings = append(run.warnings, fmt.Sprintf("component %s skipped: %v", name, err))
	run.progress.WarningCount++
	plan := s.plan[stageIdx]
	s.publishProgress(ctx, run, stageIdx, s.stageLocalProgress(run, plan), fmt.Sprintf("%s: %s skipped", stageLabel(plan.stage), name))
	s.event(ctx, run.workflowID, "component_skipped", name, map[string]any{"error": err.Error()})
}

// stageLocalProgress counts finished components against the plan.
// Skipped components count as finished so a skip still advances.
func (s *Service) stageLocalProgress(run *runState, plan stagePlan) float64 {
	if len(plan.components) == 0 {
		return 100
	}
	finished := 0
	for _, name := range plan.components {
		if _, ok := run.results[name]; ok {
			finished++
			continue
		}
		if cp, ok := run.progress.Components[name]; ok && cp.Status == domain.ComponentSkipped {
			finished++
		}
	}
	return 100 * float64(finished) / float64(len(plan.components))
}

// overallProgress is the weighted sum of stage-local progress over
// the whole plan. Stages before stageIdx count as 100.
func (s *Service) overallProgress(run *runState, stageIdx int, local float64) float64 {
	total := 0.0
	for i, plan := range s.plan {
		switch {
		case i < stageIdx:
			total += plan.weight * 100
		case i == stageIdx:
			total += plan.weight * local
		}
	}
	if total > 100 {
		total = 100
	}
	return total
}

func (s *Service) publishProgress(ctx context.Context, run *runState, stageIdx int, local float64, detail string) {
	overall := 100.0
	if stageIdx < len(s.plan) {
		overall = s.overallProgress(run, stageIdx, local)
	}
	run.progress.OverallProgress = overall
	run.progress.LastUpdate = time.Now().UTC()
	if eta, ok := run.tracker.EstimatedCompletion(); ok {
		run.progress.EstimatedCompletion = &eta
	}
	run.tracker.Update(detail, overall, append([]string(nil), run.completed...))
	s.saveProgress(ctx, run)
}

func (s *Service) saveProgress(ctx context.Context, run *runState) {
	if err := s.store.SaveProgress(ctx, run.progress); err != nil {
		s.logger.Printf("workflow %s: save progress: %v", run.workflowID, err)
	}
}

func (s *Service) boundaryCheckpoint(ctx context.Context, run *runState, input domain.Context, stage domain.Stage) {
	s.saveCheckpoint(ctx, run, input, stage, "stage_boundary")
}

func (s *Service) failureCheckpoint(ctx context.Context, run *runState, input domain.Context, stage domain.Stage) {
	s.saveCheckpoint(ctx, run, input, stage, "failure")
}

func (s *Service) saveCheckpoint(ctx context.Context, run *runState, input domain.Context, stage domain.Stage, reason string) {
	states := make(map[string]domain.ComponentState, len(run.progress.Components))
	for name, cp := range run.progress.Components {
		state := domain.ComponentState{Status: cp.Status}
		if result, ok := run.results[name]; ok {
			state.Result = result
		}
		states[name] = state
	}
	checkpoint := domain.WorkflowCheckpoint{
		ID:              uuid.NewString(),
		WorkflowID:      run.workflowID,
		Timestamp:       time.Now().UTC(),
		Phase:           stage,
		ComponentStates: states,
		CompletedSteps:  append([]string(nil), run.completed...),
		IntermediateResults: map[string]any{
			"input_context": input.Reduce(),
		},
		CacheKeys: append([]string(nil), run.cacheKeys...),
	}
	if err := s.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		s.logger.Printf("workflow %s: save checkpoint at %s: %v", run.workflowID, stage, err)
		return
	}
	run.progress.CheckpointIDs = append(run.progress.CheckpointIDs, checkpoint.ID)
	s.event(ctx, run.workflowID, "checkpoint_saved", reason, map[string]any{
		"checkpoint_id": checkpoint.ID,
		"phase":         string(stage),
	})
}

func (s *Service) buildResult(run *runState, success bool) domain.WorkflowResult {
	insights := make(map[string]any, len(run.results))
	for name, result := range run.results {
		insights[name] = result
	}
	artifacts := make(map[string]string)
	if final, ok := run.results["final_compilation"]; ok {
		if locations, ok := final["artifact_locations"].(map[string]any); ok {
			for k, v := range locations {
				if path, ok := v.(string); ok {
					artifacts[k] = path
				}
			}
		}
	}
	errors := append([]string(nil), run.errors...)
	if run.progress.Status == domain.WorkflowFailed {
		for name, cp := range run.progress.Components {
			if cp.Status == domain.ComponentFailed && cp.ErrorMessage != "" {
				errors = append(errors, fmt.Sprintf("%s: %s", name, cp.ErrorMessage))
			}
		}
		sort.Strings(errors)
	}
	progressCopy := run.progress
	return domain.WorkflowResult{
		Success:           success,
		WorkflowID:        run.workflowID,
		ArtifactLocations: artifacts,
		Insights:          insights,
		Progress:          &progressCopy,
		Quality:           run.progress.Quality,
		ValidationResults: run.validation,
		Errors:            errors,
		Warnings:          append([]string(nil), run.warnings...),
		ExecutionTime:     time.Since(run.startedAt),
		CompletedAt:       time.Now().UTC(),
	}
}

func (s *Service) GetProgress(ctx context.Context, workflowID string) (domain.WorkflowProgress, error) {
	return s.store.GetProgress(ctx, workflowID)
}

func (s *Service) ListWorkflows(ctx context.Context) ([]domain.WorkflowProgress, error) {
	return s.store.ListWorkflows(ctx)
}

func (s *Service) GetResult(ctx context.Context, workflowID string) (domain.WorkflowResult, error) {
	return s.store.GetResult(ctx, workflowID)
}

func (s *Service) ListCheckpoints(ctx context.Context, workflowID string) ([]domain.WorkflowCheckpoint, error) {
	return s.store.ListCheckpoints(ctx, workflowID)
}

func (s *Service) ListEvents(ctx context.Context, workflowID string, limit int) ([]domain.WorkflowEvent, error) {
	return s.store.ListEvents(ctx, workflowID, limit)
}

func (s *Service) event(ctx context.Context, workflowID, action, detail string, payload map[string]any) {
	err := s.store.AppendEvent(ctx, domain.WorkflowEvent{
		WorkflowID: workflowID,
		Actor:      orchestratorActor,
		Action:     action,
		Detail:     detail,
		Payload:    payload,
	})
	if err != nil {
		s.logger.Printf("workflow %s: append event %s: %v", workflowID, action, err)
	}
}

func stageLabel(stage domain.Stage) string {
	words := strings.Split(string(stage), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func contextKeys(c domain.Context) []string {
	flat := c.Reduce()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
