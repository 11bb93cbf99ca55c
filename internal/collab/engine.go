// Package collab implements the five collaboration modes agents
// cooperate under, plus the weighted synthesis and conflict
// resolution their results pass through.
package collab

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"propgen/internal/domain"
)

// Collaborator is the single contract a participant implements.
type Collaborator interface {
	ID() string
	Execute(ctx context.Context, task domain.Task) (map[string]any, error)
}

// FeedbackProvider lets a participant attach feedback metrics to its
// result; convergence and consensus predicates read them.
type FeedbackProvider interface {
	Feedback(task domain.Task, result map[string]any) domain.FeedbackMetrics
}

// MemoryStore persists syntheses for later learning. Optional.
type MemoryStore interface {
	SaveSynthesis(ctx context.Context, record domain.SynthesisRecord, retention int) error
}

type Config struct {
	ResponseTimeout      time.Duration
	MaxRounds            int
	ConvergenceThreshold float64
	MemoryRetention      int
}

func (c Config) withDefaults() Config {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Minute
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.ConvergenceThreshold <= 0 {
		c.ConvergenceThreshold = 0.8
	}
	if c.MemoryRetention <= 0 {
		c.MemoryRetention = 200
	}
	return c
}

type Engine struct {
	mu           sync.RWMutex
	participants map[string]Collaborator
	synthesizer  *Synthesizer
	resolver     *Resolver
	memory       MemoryStore
	cfg          Config
	logger       *log.Logger
}

func NewEngine(synthesizer *Synthesizer, memory MemoryStore, cfg Config, logger *log.Logger) *Engine {
	if synthesizer == nil {
		synthesizer = NewSynthesizer(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Engine{
		participants: make(map[string]Collaborator),
		synthesizer:  synthesizer,
		resolver:     NewResolver(),
		memory:       memory,
		cfg:          cfg.withDefaults(),
		logger:       logger,
	}
}

func (e *Engine) Register(c Collaborator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.participants[c.ID()] = c
}

func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Collaborate runs one collaboration request to completion and
// returns the mode-specific result.
func (e *Engine) Collaborate(ctx context.Context, req domain.CollaborationRequest) (map[string]any, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if len(req.Participants) == 0 {
		return nil, fmt.Errorf("collaboration %s has no participants", req.ID)
	}
	members, err := e.resolve(req.Participants)
	if err != nil {
		return nil, err
	}

	switch req.Mode {
	case domain.ModeSequential:
		return e.runSequential(ctx, req, members)
	case domain.ModeParallel:
		return e.runParallel(ctx, req, members)
	case domain.ModeIterative:
		return e.runIterative(ctx, req, members)
	case domain.ModeReview:
		return e.runReview(ctx, req, members)
	case domain.ModeConsensus:
		return e.runConsensus(ctx, req, members)
	default:
		return nil, fmt.Errorf("unknown collaboration mode %q", req.Mode)
	}
}

// runSequential iterates participants in order; each sees the prior
// results appended into the task context. The result is the ordered
// (participant, result) list.
func (e *Engine) runSequential(ctx context.Context, req domain.CollaborationRequest, members []Collaborator) (map[string]any, error) {
	var ordered []map[string]any
	var prior []map[string]any
	task := req.Task
	for _, member := range members {
		stepTask := task
		if len(prior) > 0 {
			stepTask.Context = task.Context.WithEntry(domain.ContextEntry{
				Type: "prior_results",
				Data: map[string]any{"prior_results": append([]map[string]any(nil), prior...)},
			})
		}
		resp := e.callParticipant(ctx, req.ID, member, stepTask)
		entry := map[string]any{
			"participant": member.ID(),
			"status":      string(resp.Status),
			"result":      resp.Result,
		}
		ordered = append(ordered, entry)
		if resp.Status == domain.ResponseCompleted {
			prior = append(prior, map[string]any{"participant": member.ID(), "result": resp.Result})
		}
	}
	return map[string]any{
		"mode":    string(domain.ModeSequential),
		"results": ordered,
	}, nil
}

// runParallel clones the task per participant and gathers all
// responses concurrently, then synthesizes them.
func (e *Engine) runParallel(ctx context.Context, req domain.CollaborationRequest, members []Collaborator) (map[string]any, error) {
	responses := e.callAll(ctx, req.ID, members, req.Task)
	synthesis := e.synthesizer.Synthesize(responses, nil)
	e.remember(ctx, req.ID, responses, synthesis)

	byParticipant := make(map[string]any, len(responses))
	for _, resp := range responses {
		byParticipant[resp.Participant] = map[string]any{
			"status": string(resp.Status),
			"result": resp.Result,
		}
	}
	return map[string]any{
		"mode":         string(domain.ModeParallel),
		"participants": byParticipant,
		"synthesis":    synthesis.AsMap(),
	}, nil
}

// runIterative refines a combined result over bounded rounds,
// stopping once mean agreement reaches the convergence threshold.
func (e *Engine) runIterative(ctx context.Context, req domain.CollaborationRequest, members []Collaborator) (map[string]any, error) {
	var current map[string]any
	rounds := 0
	converged := false
	for round := 1; round <= e.cfg.MaxRounds; round++ {
		rounds = round
		roundTask := req.Task
		if current != nil {
			roundTask.Context = req.Task.Context.WithEntry(domain.ContextEntry{
				Type: "previous_iteration",
				Data: map[string]any{"previous_iteration": current, "round": round},
			})
		}

		responses := make([]domain.CollaborationResponse, 0, len(members))
		for _, member := range members {
			responses = append(responses, e.callParticipant(ctx, req.ID, member, roundTask))
		}

		current = combineRound(responses, round)
		if e.meanAgreement(responses, req.Task) >= e.cfg.ConvergenceThreshold {
			converged = true
			break
		}
	}
	return map[string]any{
		"mode":      string(domain.ModeIterative),
		"rounds":    rounds,
		"converged": converged,
		"result":    current,
	}, nil
}

// runReview has the first participant produce the initial result and
// the rest review it against the request criteria, then synthesizes
// initial plus reviews into the final result.
func (e *Engine) runReview(ctx context.Context, req domain.CollaborationRequest, members []Collaborator) (map[string]any, error) {
	author := members[0]
	initial := e.callParticipant(ctx, req.ID, author, req.Task)

	reviewTask := req.Task
	reviewTask.Context = req.Task.Context.WithEntry(domain.ContextEntry{
		Type: "review_request",
		Data: map[string]any{
			"initial_result":  initial.Result,
			"review_criteria": req.ReviewCriteria,
		},
		Description: "review the initial result against the criteria",
	})

	responses := []domain.CollaborationResponse{initial}
	reviews := make(map[string]any, len(members)-1)
	for _, reviewer := range members[1:] {
		resp := e.callParticipant(ctx, req.ID, reviewer, reviewTask)
		responses = append(responses, resp)
		reviews[reviewer.ID()] = map[string]any{
			"status": string(resp.Status),
			"result": resp.Result,
		}
	}

	synthesis := e.synthesizer.Synthesize(responses, nil)
	e.remember(ctx, req.ID, responses, synthesis)
	return map[string]any{
		"mode":         string(domain.ModeReview),
		"initial":      initial.Result,
		"reviews":      reviews,
		"final_result": synthesis.AsMap(),
	}, nil
}

// runConsensus collects one proposal per participant, then runs
// bounded re-evaluation rounds over the shared proposal set. The
// final consensus comes from the conflict resolver applied to the
// last round's proposals.
func (e *Engine) runConsensus(ctx context.Context, req domain.CollaborationRequest, members []Collaborator) (map[string]any, error) {
	proposals := make(map[string]map[string]any, len(members))
	initial := e.callAll(ctx, req.ID, members, req.Task)
	for _, resp := range initial {
		if resp.Status == domain.ResponseCompleted {
			proposals[resp.Participant] = resp.Result
		}
	}

	rounds := 0
	reached := false
	var lastResponses []domain.CollaborationResponse
	for round := 1; round <= e.cfg.MaxRounds; round++ {
		rounds = round
		roundTask := req.Task
		roundTask.Context = req.Task.Context.WithEntry(domain.ContextEntry{
			Type: "current_proposals",
			Data: map[string]any{"current_proposals": proposalsAsAny(proposals), "round": round},
		})

		lastResponses = lastResponses[:0]
		for _, member := range members {
			resp := e.callParticipant(ctx, req.ID, member, roundTask)
			lastResponses = append(lastResponses, resp)
			if resp.Status == domain.ResponseCompleted {
				proposals[resp.Participant] = resp.Result
			}
		}
		if e.meanAgreement(lastResponses, req.Task) >= e.cfg.ConvergenceThreshold {
			reached = true
			break
		}
	}

	weights := e.synthesizer.Weights(lastResponses)
	resolution := e.resolver.Resolve(req.Participants, proposals, weights)
	return map[string]any{
		"mode":            string(domain.ModeConsensus),
		"rounds":          rounds,
		"reached":         reached,
		"final_consensus": resolution.ResolutionResult,
		"consensus_level": resolution.ConsensusLevel,
		"strategy":        string(resolution.Strategy),
	}, nil
}

// callParticipant waits for the participant on a channel bounded by
// the response timeout. A timeout yields a timeout-status response
// rather than an error; synthesis gives those zero weight.
func (e *Engine) callParticipant(ctx context.Context, requestID string, member Collaborator, task domain.Task) domain.CollaborationResponse {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ResponseTimeout)
	defer cancel()
	go func() {
		result, err := member.Execute(callCtx, task)
		done <- outcome{result: result, err: err}
	}()

	resp := domain.CollaborationResponse{
		RequestID:   requestID,
		Participant: member.ID(),
		Timestamp:   time.Now().UTC(),
	}
	select {
	case <-callCtx.Done():
		resp.Status = domain.ResponseTimeout
		e.logger.Printf("collaboration %s: participant %s timed out", requestID, member.ID())
		return resp
	case out := <-done:
		if out.err != nil {
			resp.Status = domain.ResponseFailed
			e.logger.Printf("collaboration %s: participant %s failed: %v", requestID, member.ID(), out.err)
			return resp
		}
		resp.Status = domain.ResponseCompleted
		resp.Result = out.result
		if provider, ok := member.(FeedbackProvider); ok {
			feedback := provider.Feedback(task, out.result)
			resp.Feedback = &feedback
		}
		return resp
	}
}

func (e *Engine) callAll(ctx context.Context, requestID string, members []Collaborator, task domain.Task) []domain.CollaborationResponse {
	responses := make([]domain.CollaborationResponse, len(members))
	var wg sync.WaitGroup
	for i, member := range members {
		i, member := i, member
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i] = e.callParticipant(ctx, requestID, member, task)
		}()
	}
	wg.Wait()
	return responses
}

func (e *Engine) resolve(ids []string) ([]Collaborator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	members := make([]Collaborator, 0, len(ids))
	for _, id := range ids {
		member, ok := e.participants[id]
		if !ok {
			return nil, fmt.Errorf("unknown participant %q", id)
		}
		members = append(members, member)
	}
	return members, nil
}

// meanAgreement averages the agreement level across completed
// responses. Responses without feedback report their agreement via
// an agreement_level result field, defaulting to 0.5.
func (e *Engine) meanAgreement(responses []domain.CollaborationResponse, task domain.Task) float64 {
	var sum float64
	var n int
	for _, resp := range responses {
		if resp.Status != domain.ResponseCompleted {
			continue
		}
		n++
		if resp.Feedback != nil {
			sum += resp.Feedback.AgreementLevel
			continue
		}
		if level, ok := resp.Result["agreement_level"].(float64); ok {
			sum += level
			continue
		}
		sum += 0.5
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (e *Engine) remember(ctx context.Context, requestID string, responses []domain.CollaborationResponse, synthesis Synthesis) {
	if e.memory == nil {
		return
	}
	for _, resp := range responses {
		record := domain.SynthesisRecord{
			Scope:       "collaboration",
			RequestID:   requestID,
			Participant: resp.Participant,
			Weight:      synthesis.Weights[resp.Participant],
			Confidence:  synthesis.ConfidenceScores[resp.Participant],
			Result:      resp.Result,
		}
		if err := e.memory.SaveSynthesis(ctx, record, e.cfg.MemoryRetention); err != nil {
			e.logger.Printf("collaboration %s: persist synthesis for %s: %v", requestID, resp.Participant, err)
		}
	}
}

// combineRound merges the round's results in participant order,
// later participants overriding earlier ones key by key.
func combineRound(responses []domain.CollaborationResponse, round int) map[string]any {
	combined := map[string]any{"round": round}
	for _, resp := range responses {
		if resp.Status != domain.ResponseCompleted {
			continue
		}
		for k, v := range resp.Result {
			combined[k] = v
		}
	}
	return combined
}

func proposalsAsAny(proposals map[string]map[string]any) map[string]any {
	out := make(map[string]any, len(proposals))
	for p, proposal := range proposals {
		out[p] = proposal
	}
	return out
}
