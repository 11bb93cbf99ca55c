package progress

import (
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// ConsoleSink renders the stream as log lines.
type ConsoleSink struct {
	logger *log.Logger
}

func NewConsoleSink(logger *log.Logger) *ConsoleSink {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &ConsoleSink{logger: logger}
}

func (s *ConsoleSink) Update(status string, progress float64, completedSteps []string) {
	if len(completedSteps) > 0 {
		s.logger.Printf("progress %5.1f%% %s (done: %s)", progress, status, strings.Join(completedSteps, ", "))
		return
	}
	s.logger.Printf("progress %5.1f%% %s", progress, status)
}

func (s *ConsoleSink) Complete(summary Summary) {
	s.logger.Printf("completed in %s", summary.Total.Round(time.Millisecond))
	for stage, d := range summary.StageDurations {
		s.logger.Printf("  stage %-20s %s", stage, d.Round(time.Millisecond))
	}
}

func (s *ConsoleSink) Error(message string) {
	s.logger.Printf("failed: %s", message)
}

// WebSink retains the latest update for polling consumers such as the
// HTTP progress endpoint.
type WebSink struct {
	mu             sync.RWMutex
	status         string
	progress       float64
	completedSteps []string
	summary        *Summary
	errorMessage   string
	updatedAt      time.Time
}

type WebState struct {
	Status         string     `json:"status"`
	Progress       float64    `json:"progress"`
	CompletedSteps []string   `json:"completed_steps,omitempty"`
	Summary        *Summary   `json:"summary,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func NewWebSink() *WebSink {
	return &WebSink{}
}

func (s *WebSink) Update(status string, progress float64, completedSteps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.progress = progress
	s.completedSteps = append([]string(nil), completedSteps...)
	s.updatedAt = time.Now().UTC()
}

func (s *WebSink) Complete(summary Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = 100
	s.summary = &summary
	s.updatedAt = time.Now().UTC()
}

func (s *WebSink) Error(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorMessage = message
	s.updatedAt = time.Now().UTC()
}

func (s *WebSink) State() WebState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return WebState{
		Status:         s.status,
		Progress:       s.progress,
		CompletedSteps: append([]string(nil), s.completedSteps...),
		Summary:        s.summary,
		ErrorMessage:   s.errorMessage,
		UpdatedAt:      s.updatedAt,
	}
}

// MultiSink fans one stream out to several sinks.
type MultiSink []Sink

func (m MultiSink) Update(status string, progress float64, completedSteps []string) {
	for _, s := range m {
		s.Update(status, progress, completedSteps)
	}
}

func (m MultiSink) Complete(summary Summary) {
	for _, s := range m {
		s.Complete(summary)
	}
}

func (m MultiSink) Error(message string) {
	for _, s := range m {
		s.Error(message)
	}
}
