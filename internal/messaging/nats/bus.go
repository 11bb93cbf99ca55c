// Package nats adapts agent messaging onto a NATS deployment so
// participants can run outside the orchestrator process. Subjects
// follow propgen.agents.<agent>.<lane>.
package nats

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"propgen/internal/domain"
)

type mailbox struct {
	urgent  chan domain.AgentMessage
	regular chan domain.AgentMessage
	subs    []*nats.Subscription
}

type Bus struct {
	mu     sync.Mutex
	nc     *nats.Conn
	subs   map[string]*mailbox
	buffer int
}

func Connect(url string, buffer int) (*Bus, error) {
	if buffer <= 0 {
		buffer = 64
	}
	nc, err := nats.Connect(url,
		nats.Name("propgen"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return &Bus{nc: nc, subs: make(map[string]*mailbox), buffer: buffer}, nil
}

func subject(agentID, lane string) string {
	return fmt.Sprintf("propgen.agents.%s.%s", agentID, lane)
}

func (b *Bus) Register(agentID string) (urgent, regular <-chan domain.AgentMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if box, ok := b.subs[agentID]; ok {
		return box.urgent, box.regular
	}
	box := &mailbox{
		urgent:  make(chan domain.AgentMessage, b.buffer),
		regular: make(chan domain.AgentMessage, b.buffer),
	}
	for lane, ch := range map[string]chan domain.AgentMessage{"urgent": box.urgent, "regular": box.regular} {
		ch := ch
		sub, err := b.nc.Subscribe(subject(agentID, lane), func(msg *nats.Msg) {
			var decoded domain.AgentMessage
			if err := json.Unmarshal(msg.Data, &decoded); err != nil {
				return
			}
			select {
			case ch <- decoded:
			default:
				// Dropped on overflow, same contract as the in-process bus.
			}
		})
		if err == nil {
			box.subs = append(box.subs, sub)
		}
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
	for _, sub := range box.subs {
		_ = sub.Unsubscribe()
	}
	close(box.urgent)
	close(box.regular)
}

func (b *Bus) Publish(msg domain.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	lane := "regular"
	if msg.Priority.Urgent() {
		lane = "urgent"
	}
	if err := b.nc.Publish(subject(msg.Recipient, lane), data); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Recipient, err)
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, box := range b.subs {
		delete(b.subs, id)
		for _, sub := range box.subs {
			_ = sub.Unsubscribe()
		}
		close(box.urgent)
		close(box.regular)
	}
	b.nc.Close()
	return nil
}
