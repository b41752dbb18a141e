package messaging

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// StreamBus writes each message as a frame to a byte stream, such as a TCP
// connection to a log collector.
type StreamBus struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewStreamBus writes frames to w. Close closes w if it is an io.Closer.
func NewStreamBus(w io.Writer) *StreamBus {
	return &StreamBus{w: w}
}

// DialStream connects to addr over TCP.
func DialStream(ctx context.Context, addr string, timeout time.Duration) (*StreamBus, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial stream bus %s: %w", addr, err)
	}
	return NewStreamBus(conn), nil
}

func (b *StreamBus) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	if conn, ok := b.w.(net.Conn); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
			defer conn.SetWriteDeadline(time.Time{})
		}
	}
	return WriteFrame(b.w, msg)
}

func (b *StreamBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if c, ok := b.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
