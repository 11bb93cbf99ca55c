// Package progress turns stage callbacks into a timed progress feed
// with speed and completion estimates. The tracker itself does no
// I/O; rendering belongs to the configured sink.
package progress

import (
	"strings"
	"sync"
	"time"
)

// Sink receives the update stream. Implementations must be safe for
// calls from multiple goroutines.
type Sink interface {
	Update(status string, progress float64, completedSteps []string)
	Complete(summary Summary)
	Error(message string)
}

type Summary struct {
	Total          time.Duration            `json:"total"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
}

type sample struct {
	at       time.Time
	progress float64
}

type stageStart struct {
	name string
	at   time.Time
}

// Snapshot is the tracker's externally visible state, served to
// polling consumers.
type Snapshot struct {
	Status              string     `json:"status"`
	Progress            float64    `json:"progress"`
	CompletedSteps      []string   `json:"completed_steps,omitempty"`
	Speed               float64    `json:"speed_percent_per_minute"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	Completed           bool       `json:"completed"`
	Failed              bool       `json:"failed"`
	FailedStage         string     `json:"failed_stage,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	Elapsed             time.Duration `json:"elapsed"`
}

const speedWindow = 60 * time.Second

type Tracker struct {
	mu             sync.Mutex
	sink           Sink
	now            func() time.Time
	startedAt      time.Time
	status         string
	progress       float64
	completedSteps []string
	history        []sample
	stages         []stageStart
	completed      bool
	failed         bool
	failedStage    string
	errorMessage   string
}

func NewTracker(sink Sink) *Tracker {
	return newTrackerAt(sink, time.Now)
}

func newTrackerAt(sink Sink, now func() time.Time) *Tracker {
	t := &Tracker{sink: sink, now: now}
	t.startedAt = now()
	return t
}

// Update records one progress sample. Status labels of the form
// "Stage: detail" open a new stage the first time the stage name
// appears. Progress is clamped to [0,100]; updates after Complete or
// Error are dropped.
func (t *Tracker) Update(status string, progress float64, completedSteps []string) {
	t.mu.Lock()
	if t.completed || t.failed {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	t.status = status
	t.progress = progress
	if completedSteps != nil {
		t.completedSteps = append([]string(nil), completedSteps...)
	}
	t.history = append(t.history, sample{at: now, progress: progress})
	t.trimHistory(now)

	stage := stageName(status)
	if stage != "" && (len(t.stages) == 0 || t.stages[len(t.stages)-1].name != stage) {
		t.stages = append(t.stages, stageStart{name: stage, at: now})
	}
	sink := t.sink
	steps := t.completedSteps
	t.mu.Unlock()

	if sink != nil {
		sink.Update(status, progress, steps)
	}
}

// Complete freezes the tracker at 100 and emits the stage duration
// breakdown computed from consecutive stage start times.
func (t *Tracker) Complete() Summary {
	t.mu.Lock()
	if t.completed || t.failed {
		summary := t.summaryLocked(t.now())
		t.mu.Unlock()
		return summary
	}
	now := t.now()
	t.completed = true
	t.progress = 100
	summary := t.summaryLocked(now)
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.Complete(summary)
	}
	return summary
}

// Error freezes the tracker at its current progress and records the
// failing stage.
func (t *Tracker) Error(message string) {
	t.mu.Lock()
	if t.completed || t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	t.errorMessage = message
	if len(t.stages) > 0 {
		t.failedStage = t.stages[len(t.stages)-1].name
	}
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink.Error(message)
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	snap := Snapshot{
		Status:         t.status,
		Progress:       t.progress,
		CompletedSteps: append([]string(nil), t.completedSteps...),
		Speed:          t.speedLocked(now),
		Completed:      t.completed,
		Failed:         t.failed,
		FailedStage:    t.failedStage,
		ErrorMessage:   t.errorMessage,
		Elapsed:        now.Sub(t.startedAt),
	}
	if eta := t.estimateLocked(now); !eta.IsZero() {
		snap.EstimatedCompletion = &eta
	}
	return snap
}

// Speed returns percent per minute over the trailing 60 seconds.
func (t *Tracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speedLocked(t.now())
}

func (t *Tracker) EstimatedCompletion() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	eta := t.estimateLocked(t.now())
	return eta, !eta.IsZero()
}

func (t *Tracker) speedLocked(now time.Time) float64 {
	cutoff := now.Add(-speedWindow)
	var window []sample
	for _, s := range t.history {
		if !s.at.Before(cutoff) {
			window = append(window, s)
		}
	}
	if len(window) < 2 {
		return 0
	}
	first, last := window[0], window[len(window)-1]
	elapsed := last.at.Sub(first.at).Minutes()
	if elapsed <= 0 {
		return 0
	}
	delta := last.progress - first.progress
	if delta <= 0 {
		return 0
	}
	return delta / elapsed
}

func (t *Tracker) estimateLocked(now time.Time) time.Time {
	if t.completed || t.failed {
		return time.Time{}
	}
	speed := t.speedLocked(now)
	if speed <= 0 {
		return time.Time{}
	}
	remaining := 100 - t.progress
	return now.Add(time.Duration(remaining / speed * float64(time.Minute)))
}

func (t *Tracker) summaryLocked(now time.Time) Summary {
	summary := Summary{
		Total:          now.Sub(t.startedAt),
		StageDurations: make(map[string]time.Duration, len(t.stages)),
	}
	for i, stage := range t.stages {
		end := now
		if i+1 < len(t.stages) {
			end = t.stages[i+1].at
		}
		summary.StageDurations[stage.name] = end.Sub(stage.at)
	}
	return summary
}

// trimHistory keeps one sample older than the window so speed always
// has a left edge, and everything inside it.
func (t *Tracker) trimHistory(now time.Time) {
	cutoff := now.Add(-speedWindow)
	firstInside := len(t.history)
	for i, s := range t.history {
		if !s.at.Before(cutoff) {
			firstInside = i
			break
		}
	}
	if firstInside > 1 {
		t.history = t.history[firstInside-1:]
	}
}

func stageName(status string) string {
	if idx := strings.Index(status, ":"); idx >= 0 {
		return strings.TrimSpace(status[:idx])
	}
	return strings.TrimSpace(status)
}
