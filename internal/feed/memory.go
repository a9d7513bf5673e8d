package feed

import (
	"context"
)

// MemoryBroker is an in-process feed for single-instance deployments and tests.
type MemoryBroker struct {
	hub *Hub
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	return &MemoryBroker{hub: NewHub(buffer, true)}
}

func (b *MemoryBroker) Name() string { return "memory" }

func (b *MemoryBroker) Subscribe(_ context.Context, chatID string) (*Subscription, error) {
	return b.hub.Subscribe(chatID)
}

func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	b.hub.Dispatch(ev)
	return nil
}

func (b *MemoryBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	b.hub.Close()
	return nil
}

// Interrupt simulates a pump loss followed by recovery.
func (b *MemoryBroker) Interrupt(cause error) {
	b.hub.SetAvailable(false, cause)
	b.hub.SetAvailable(true, nil)
}

func (b *MemoryBroker) Hub() *Hub { return b.hub }

func (b *MemoryBroker) Available() bool {
	return b.hub.Available()
}
