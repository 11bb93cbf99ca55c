// Package agent hosts the collaborating participants. Each agent
// wraps one component, keeps a message-fed shared context, and drains
// urgent messages at task step boundaries.
package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"propgen/internal/component"
	"propgen/internal/domain"
)

type Bus interface {
	Register(agentID string) (urgent, regular <-chan domain.AgentMessage)
	Unregister(agentID string)
	Publish(msg domain.AgentMessage) error
}

// Message types agents understand.
const (
	MsgContextUpdate = "context_update"
	MsgWorkRequest   = "work_request"
	MsgWorkResult    = "work_result"
	MsgAck           = "ack"
)

type Agent struct {
	id        string
	comp      component.Component
	bus       Bus
	urgent    <-chan domain.AgentMessage
	regular   <-chan domain.AgentMessage
	logger    *log.Logger
	expertise float64

	mu            sync.Mutex
	state         map[string]any
	urgentHandled []string
}

func New(id string, comp component.Component, bus Bus, expertise float64, logger *log.Logger) *Agent {
	if logger == nil {
		logger = log.Default()
	}
	a := &Agent{
		id:        id,
		comp:      comp,
		bus:       bus,
		logger:    logger,
		expertise: expertise,
		state:     make(map[string]any),
	}
	if bus != nil {
		a.urgent, a.regular = bus.Register(id)
	}
	return a
}

func (a *Agent) ID() string {
	return a.id
}

func (a *Agent) Expertise() float64 {
	return a.expertise
}

// Start runs the message loop until the context ends. Urgent
// messages always win when both lanes have backlog.
func (a *Agent) Start(ctx context.Context) {
	go func() {
		defer func() {
			if a.bus != nil {
				a.bus.Unregister(a.id)
			}
		}()
		for {
			select {
			case msg, ok := <-a.urgent:
				if !ok {
					return
				}
				a.handleUrgent(ctx, msg)
				continue
			default:
			}
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-a.urgent:
				if !ok {
					return
				}
				a.handleUrgent(ctx, msg)
			case msg, ok := <-a.regular:
				if !ok {
					return
				}
				a.handleRegular(ctx, msg)
			}
		}
	}()
}

// Execute satisfies the collaboration participant contract. Urgent
// messages queued before and during the task are processed at the
// step boundaries around the component call, so an interruption never
// changes the task's own result.
func (a *Agent) Execute(ctx context.Context, task domain.Task) (map[string]any, error) {
	a.drainUrgent(ctx)

	enriched := task
	if shared := a.sharedContext(); len(shared) > 0 {
		enriched.Context = task.Context.WithEntry(domain.ContextEntry{
			Type: "agent_state",
			Data: shared,
		})
	}
	result, err := a.comp.Execute(ctx, enriched)
	a.drainUrgent(ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Feedback derives metrics from result fields when present, else
// neutral midpoints.
func (a *Agent) Feedback(_ domain.Task, result map[string]any) domain.FeedbackMetrics {
	metrics := domain.FeedbackMetrics{
		QualityScore:              0.5,
		ConfidenceScore:           0.5,
		AgreementLevel:            0.5,
		ImpactScore:               0.5,
		ImplementationFeasibility: 0.5,
	}
	if v, ok := result["quality_score"].(float64); ok {
		metrics.QualityScore = v
	}
	if v, ok := result["confidence"].(float64); ok {
		metrics.ConfidenceScore = v
	}
	if v, ok := result["agreement_level"].(float64); ok {
		metrics.AgreementLevel = v
	}
	if v, ok := result["feasibility"].(float64); ok {
		metrics.ImplementationFeasibility = v
	}
	return metrics
}

// UrgentHandled lists the ids of urgent messages processed so far.
func (a *Agent) UrgentHandled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urgentHandled...)
}

func (a *Agent) drainUrgent(ctx context.Context) {
	if a.urgent == nil {
		return
	}
	for {
		select {
		case msg, ok := <-a.urgent:
			if !ok {
				return
			}
			a.handleUrgent(ctx, msg)
		default:
			return
		}
	}
}

func (a *Agent) handleUrgent(ctx context.Context, msg domain.AgentMessage) {
	a.logger.Printf("agent %s: urgent %s message %s from %s", a.id, msg.Priority, msg.ID, msg.Sender)
	a.applyContent(msg)
	a.mu.Lock()
	a.urgentHandled = append(a.urgentHandled, msg.ID)
	a.mu.Unlock()
	if msg.RequiresResponse {
		a.reply(msg, MsgAck, map[string]any{"handled": true})
	}
}

func (a *Agent) handleRegular(ctx context.Context, msg domain.AgentMessage) {
	switch msg.Type {
	case MsgContextUpdate:
		a.applyContent(msg)
		if msg.RequiresResponse {
			a.reply(msg, MsgAck, map[string]any{"applied": true})
		}
	case MsgWorkRequest:
		task := taskFromMessage(msg)
		result, err := a.Execute(ctx, task)
		payload := map[string]any{"task_id": task.ID}
		if err != nil {
			payload["error"] = err.Error()
		} else {
			payload["result"] = result
		}
		a.reply(msg, MsgWorkResult, payload)
	default:
		a.logger.Printf("agent %s: ignoring %s message %s", a.id, msg.Type, msg.ID)
	}
}

func (a *Agent) applyContent(msg domain.AgentMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range msg.Content {
		a.state[k] = v
	}
}

func (a *Agent) sharedContext() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.state) == 0 {
		return nil
	}
	out := make(map[string]any, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

func (a *Agent) reply(origin domain.AgentMessage, msgType string, content map[string]any) {
	if a.bus == nil {
		return
	}
	err := a.bus.Publish(domain.AgentMessage{
		ID:        uuid.NewString(),
		Sender:    a.id,
		Recipient: origin.Sender,
		Content:   content,
		Type:      msgType,
		Priority:  domain.PriorityMedium,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"in_reply_to": origin.ID},
	})
	if err != nil {
		a.logger.Printf("agent %s: reply to %s failed: %v", a.id, origin.Sender, err)
	}
}

func taskFromMessage(msg domain.AgentMessage) domain.Task {
	task := domain.Task{
		ID:        uuid.NewString(),
		Name:      msg.Type,
		Status:    domain.TaskStatusPending,
		Context:   msg.Context,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if id, ok := msg.Content["task_id"].(string); ok && id != "" {
		task.ID = id
	}
	if name, ok := msg.Content["name"].(string); ok && name != "" {
		task.Name = name
	}
	if desc, ok := msg.Content["description"].(string); ok {
		task.Description = desc
	}
	if input, ok := msg.Content["input"].(map[string]any); ok {
		task.Context = task.Context.WithEntry(domain.ContextEntry{Type: "input", Data: input})
	}
	return task
}
