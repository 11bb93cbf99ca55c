package inproc

import (
	"errors"
	"sync"

	"propgen/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentQueueFull     = errors.New("agent queue is full")
)

type mailbox struct {
	urgent  chan domain.AgentMessage
	regular chan domain.AgentMessage
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]mailbox
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]mailbox),
		buffer: buffer,
	}
}

// Register creates (or returns) the agent's two inbound lanes. The
// urgent lane carries high and critical priority messages so
// recipients can drain it ahead of the regular backlog.
func (b *Bus) Register(agentID string) (urgent, regular <-chan domain.AgentMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if box, ok := b.subs[agentID]; ok {
		return box.urgent, box.regular
	}
	box := mailbox{
		urgent:  make(chan domain.AgentMessage, b.buffer),
		regular: make(chan domain.AgentMessage, b.buffer),
	}
	b.subs[agentID] = box
	return box.urgent, box.regular
}

func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	box, ok := b.subs[agentID]
	if !ok {
		return
	}
	delete(b.subs, agentID)
	close(box.urgent)
	close(box.regular)
}

// Publish sends without blocking. The read lock is held across the
// channel send so Unregister cannot close a mailbox mid-send.
func (b *Bus) Publish(msg domain.AgentMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	box, ok := b.subs[msg.Recipient]
	if !ok {
		return ErrAgentNotRegistered
	}

	ch := box.regular
	if msg.Priority.Urgent() {
		ch = box.urgent
	}
	select {
	case ch <- msg:
		return nil
	default:
		return ErrAgentQueueFull
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, box := range b.subs {
		delete(b.subs, id)
		close(box.urgent)
		close(box.regular)
	}
	return nil
}
