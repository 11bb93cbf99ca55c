package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

type MessagePriority string

const (
	PriorityLow      MessagePriority = "low"
	PriorityMedium   MessagePriority = "medium"
	PriorityHigh     MessagePriority = "high"
	PriorityCritical MessagePriority = "critical"
)

// Urgent reports whether a message at this priority preempts the
// recipient's current task.
func (p MessagePriority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

type CollaborationMode string

const (
	ModeSequential CollaborationMode = "sequential"
	ModeParallel   CollaborationMode = "parallel"
	ModeIterative  CollaborationMode = "iterative"
	ModeReview     CollaborationMode = "review"
	ModeConsensus  CollaborationMode = "consensus"
)

type ResponseStatus string

const (
	ResponseCompleted ResponseStatus = "completed"
	ResponseTimeout   ResponseStatus = "timeout"
	ResponseFailed    ResponseStatus = "failed"
)

type ComponentStatus string

const (
	ComponentPending   ComponentStatus = "pending"
	ComponentRunning   ComponentStatus = "running"
	ComponentCompleted ComponentStatus = "completed"
	ComponentFailed    ComponentStatus = "failed"
	ComponentSkipped   ComponentStatus = "skipped"
	ComponentCached    ComponentStatus = "cached"
)

type WorkflowStatus string

const (
	WorkflowNotStarted WorkflowStatus = "not_started"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowPaused     WorkflowStatus = "paused"
	WorkflowResuming   WorkflowStatus = "resuming"
)

type Stage string

const (
	StageResearch          Stage = "research"
	StageTopicAnalysis     Stage = "topic_analysis"
	StageContentGeneration Stage = "content_generation"
	StageStyleApplication  Stage = "style_application"
	StageFinalCompilation  Stage = "final_compilation"
)

// Stages lists the pipeline phases in execution order.
func Stages() []Stage {
	return []Stage{
		StageResearch,
		StageTopicAnalysis,
		StageContentGeneration,
		StageStyleApplication,
		StageFinalCompilation,
	}
}

// DefaultStageWeights sum to 1.0.
func DefaultStageWeights() map[Stage]float64 {
	return map[Stage]float64{
		StageResearch:          0.25,
		StageTopicAnalysis:     0.15,
		StageContentGeneration: 0.35,
		StageStyleApplication:  0.15,
		StageFinalCompilation:  0.10,
	}
}

func ValidStage(s Stage) bool {
	for _, known := range Stages() {
		if s == known {
			return true
		}
	}
	return false
}

type ContextEntry struct {
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	Description    string         `json:"description,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
}

type Context []ContextEntry

// Reduce flattens the entries into one mapping. Later entries win on
// key collisions so appended context overrides earlier context.
func (c Context) Reduce() map[string]any {
	flat := make(map[string]any)
	for _, entry := range c {
		for k, v := range entry.Data {
			flat[k] = v
		}
	}
	return flat
}

// WithEntry returns a copy with one entry appended; the receiver is
// never mutated so snapshots handed to parallel participants stay
// independent.
func (c Context) WithEntry(entry ContextEntry) Context {
	out := make(Context, 0, len(c)+1)
	out = append(out, c...)
	out = append(out, entry)
	return out
}

func ContextFromMap(data map[string]any) Context {
	if len(data) == 0 {
		return nil
	}
	return Context{{Type: "input", Data: data}}
}

type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Context        Context        `json:"context,omitempty"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	AssignedAgent  string         `json:"assigned_agent,omitempty"`
	Status         TaskStatus     `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type AgentMessage struct {
	ID               string          `json:"id"`
	Sender           string          `json:"sender"`
	Recipient        string          `json:"recipient"`
	Content          map[string]any  `json:"content"`
	Type             string          `json:"message_type"`
	Priority         MessagePriority `json:"priority"`
	Timestamp        time.Time       `json:"timestamp"`
	RequiresResponse bool            `json:"requires_response"`
	Context          Context         `json:"context,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

type CollaborationRequest struct {
	ID             string            `json:"id"`
	Task           Task              `json:"task"`
	Mode           CollaborationMode `json:"mode"`
	Participants   []string          `json:"participants"`
	Deadline       *time.Time        `json:"deadline,omitempty"`
	Requirements   map[string]any    `json:"requirements,omitempty"`
	ReviewCriteria []string          `json:"review_criteria,omitempty"`
}

type CollaborationResponse struct {
	RequestID   string           `json:"request_id"`
	Participant string           `json:"participant"`
	Status      ResponseStatus   `json:"status"`
	Result      map[string]any   `json:"result,omitempty"`
	Feedback    *FeedbackMetrics `json:"feedback,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// FeedbackMetrics values are normalized to [0,1].
type FeedbackMetrics struct {
	QualityScore              float64 `json:"quality_score"`
	ConfidenceScore           float64 `json:"confidence_score"`
	AgreementLevel            float64 `json:"agreement_level"`
	ImpactScore               float64 `json:"impact_score"`
	ImplementationFeasibility float64 `json:"implementation_feasibility"`
}

type ComponentProgress struct {
	ComponentName   string          `json:"component_name"`
	Status          ComponentStatus `json:"status"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	EndTime         *time.Time      `json:"end_time,omitempty"`
	ProgressPercent float64         `json:"progress_percent"`
	CurrentStep     string          `json:"current_step,omitempty"`
	TotalSteps      int             `json:"total_steps"`
	CompletedSteps  int             `json:"completed_steps"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	RetryCount      int             `json:"retry_count"`
	CacheHit        bool            `json:"cache_hit"`
}

type WorkflowProgress struct {
	WorkflowID          string                        `json:"workflow_id"`
	Status              WorkflowStatus                `json:"status"`
	StartTime           time.Time                     `json:"start_time"`
	LastUpdate          time.Time                     `json:"last_update"`
	EstimatedCompletion *time.Time                    `json:"estimated_completion,omitempty"`
	OverallProgress     float64                       `json:"overall_progress"`
	CurrentPhase        Stage                         `json:"current_phase"`
	Components          map[string]*ComponentProgress `json:"components"`
	Quality             *QualityMetrics               `json:"quality_metrics,omitempty"`
	CheckpointIDs       []string                      `json:"checkpoint_ids,omitempty"`
	ErrorCount          int                           `json:"error_count"`
	WarningCount        int                           `json:"warning_count"`
}

type QualityLevel string

const (
	QualityExcellent    QualityLevel = "excellent"
	QualityGood         QualityLevel = "good"
	QualityFair         QualityLevel = "fair"
	QualityPoor         QualityLevel = "poor"
	QualityUnacceptable QualityLevel = "unacceptable"
)

type QualityMetrics struct {
	Completeness   float64      `json:"completeness"`
	Relevance      float64      `json:"relevance"`
	Accuracy       float64      `json:"accuracy"`
	Consistency    float64      `json:"consistency"`
	Readability    float64      `json:"readability"`
	OverallQuality QualityLevel `json:"overall_quality"`
	Errors         []string     `json:"validation_errors,omitempty"`
	Warnings       []string     `json:"warnings,omitempty"`
	Suggestions    []string     `json:"suggestions,omitempty"`
}

type Severity string

const (
	SeverityError      Severity = "error"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

type ValidationLevel string

const (
	ValidationStrict  ValidationLevel = "strict"
	ValidationLenient ValidationLevel = "lenient"
	ValidationSkip    ValidationLevel = "skip"
)

type ValidationRule struct {
	RuleID        string         `json:"rule_id" yaml:"rule_id"`
	Component     string         `json:"component" yaml:"component"`
	CheckType     string         `json:"check_type" yaml:"check_type"`
	Severity      Severity       `json:"severity" yaml:"severity"`
	Condition     map[string]any `json:"condition" yaml:"condition"`
	Message       string         `json:"message" yaml:"message"`
	FixSuggestion string         `json:"fix_suggestion,omitempty" yaml:"fix_suggestion,omitempty"`
}

type ValidationResult struct {
	RuleID          string   `json:"rule_id"`
	Passed          bool     `json:"passed"`
	Severity        Severity `json:"severity"`
	Message         string   `json:"message"`
	FixSuggestion   string   `json:"fix_suggestion,omitempty"`
	AffectedContent string   `json:"affected_content,omitempty"`
}

type ComponentState struct {
	Status ComponentStatus `json:"status"`
	Result map[string]any  `json:"result,omitempty"`
}

type WorkflowCheckpoint struct {
	ID                  string                    `json:"id"`
	WorkflowID          string                    `json:"workflow_id"`
	Timestamp           time.Time                 `json:"timestamp"`
	Phase               Stage                     `json:"phase"`
	ComponentStates     map[string]ComponentState `json:"component_states"`
	CompletedSteps      []string                  `json:"completed_steps"`
	IntermediateResults map[string]any            `json:"intermediate_results,omitempty"`
	CacheKeys           []string                  `json:"cache_keys,omitempty"`
}

type ResumptionStrategy struct {
	MaxRetries           int             `json:"max_retries"`
	RetryDelay           time.Duration   `json:"retry_delay"`
	FallbackOptions      []string        `json:"fallback_options,omitempty"`
	SkipFailedComponents bool            `json:"skip_failed_components"`
	UseCachedResults     bool            `json:"use_cached_results"`
	ValidationLevel      ValidationLevel `json:"validation_level"`
}

func DefaultResumptionStrategy() ResumptionStrategy {
	return ResumptionStrategy{
		MaxRetries:       3,
		RetryDelay:       5 * time.Second,
		UseCachedResults: true,
		ValidationLevel:  ValidationStrict,
	}
}

func (r ResumptionStrategy) WithDefaults() ResumptionStrategy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = 5 * time.Second
	}
	if r.ValidationLevel == "" {
		r.ValidationLevel = ValidationStrict
	}
	return r
}

type WorkflowResult struct {
	Success           bool                 `json:"success"`
	WorkflowID        string               `json:"workflow_id"`
	ArtifactLocations map[string]string    `json:"artifact_locations,omitempty"`
	Insights          map[string]any       `json:"insights,omitempty"`
	Progress          *WorkflowProgress    `json:"progress,omitempty"`
	Quality           *QualityMetrics      `json:"quality_metrics,omitempty"`
	ValidationResults []ValidationResult   `json:"validation_results,omitempty"`
	Errors            []string             `json:"errors,omitempty"`
	Warnings          []string             `json:"warnings,omitempty"`
	ExecutionTime     time.Duration        `json:"execution_time"`
	CompletedAt       time.Time            `json:"completed_at"`
	Checkpoints       []WorkflowCheckpoint `json:"checkpoints,omitempty"`
}

type WorkflowEvent struct {
	ID         int64          `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	Detail     string         `json:"detail,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type SynthesisRecord struct {
	ID          int64          `json:"id"`
	Scope       string         `json:"scope"`
	RequestID   string         `json:"request_id"`
	Participant string         `json:"participant"`
	Weight      float64        `json:"weight"`
	Confidence  float64        `json:"confidence"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

type ConflictType string

const (
	ConflictTechnical      ConflictType = "technical"
	ConflictDesign         ConflictType = "design"
	ConflictResource       ConflictType = "resource"
	ConflictPriority       ConflictType = "priority"
	ConflictApproach       ConflictType = "approach"
	ConflictImplementation ConflictType = "implementation"
	ConflictRequirement    ConflictType = "requirement"
)

type ResolutionStrategy string

const (
	StrategyConsensusBuilding ResolutionStrategy = "consensus_building"
	StrategyMediation         ResolutionStrategy = "mediation"
	StrategyVoting            ResolutionStrategy = "voting"
	StrategyExpertDecision    ResolutionStrategy = "expert_decision"
	StrategyCompromise        ResolutionStrategy = "compromise"
	StrategyIntegration       ResolutionStrategy = "integration"
	StrategyEscalation        ResolutionStrategy = "escalation"
)

type ConflictResolution struct {
	ConflictType     ConflictType              `json:"conflict_type"`
	Participants     []string                  `json:"participants"`
	Proposals        map[string]map[string]any `json:"proposals"`
	Strategy         ResolutionStrategy        `json:"resolution_strategy"`
	ResolutionResult map[string]any            `json:"resolution_result,omitempty"`
	ConsensusLevel   float64                   `json:"consensus_level"`
}
