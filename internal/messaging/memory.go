package messaging

import (
	"context"
	"slices"
	"sync"
)

// MemoryBus records sent messages in memory.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	msg.Body = slices.Clone(msg.Body)
	b.messages = append(b.messages, msg)
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Messages returns a copy of everything sent so far.
func (b *MemoryBus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.messages)
}
