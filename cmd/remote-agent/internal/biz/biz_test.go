package biz

import (
	"context"
	"sync"

	"agentmesh/pkg/events"
	"agentmesh/pkg/protocol"
	"agentmesh/pkg/taskstore"
)

type executorFunc func(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*Outcome, error)

func (f executorFunc) Execute(ctx context.Context, tc *taskstore.Context, msg protocol.Message) (*Outcome, error) {
	return f(ctx, tc, msg)
}

func (f executorFunc) Describe() (string, []protocol.Skill) { return "test", nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TaskEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *events.TaskEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}
