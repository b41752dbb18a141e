package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
)

// stompConn is the part of *stomp.Conn used by StompBus.
type stompConn interface {
	Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error
	Disconnect() error
}

// StompOptions configures the broker connection.
type StompOptions struct {
	Login    string
	Passcode string
	// HeartBeat is the send and receive heart-beat interval. Zero disables
	// heart-beating.
	HeartBeat time.Duration
}

// StompBus sends messages to a STOMP broker such as ActiveMQ or RabbitMQ.
type StompBus struct {
	mu     sync.Mutex
	conn   stompConn
	closed bool
}

// DialStomp connects to the broker at addr.
func DialStomp(addr string, opts StompOptions) (*StompBus, error) {
	connOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(opts.HeartBeat, opts.HeartBeat),
	}
	if opts.Login != "" {
		connOpts = append(connOpts, stomp.ConnOpt.Login(opts.Login, opts.Passcode))
	}
	conn, err := stomp.Dial("tcp", addr, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial stomp broker %s: %w", addr, err)
	}
	return newStompBus(conn), nil
}

func newStompBus(conn stompConn) *StompBus {
	return &StompBus{conn: conn}
}

// Send publishes msg. The correlation id travels in the correlation-id
// header.
func (b *StompBus) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}

	var sendOpts []func(*frame.Frame) error
	if msg.CorrelationID != "" {
		sendOpts = append(sendOpts, stomp.SendOpt.Header("correlation-id", msg.CorrelationID))
	}
	if err := b.conn.Send(msg.Destination, msg.ContentType, msg.Body, sendOpts...); err != nil {
		return fmt.Errorf("stomp send to %s: %w", msg.Destination, err)
	}
	return nil
}

// Close disconnects from the broker.
func (b *StompBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.conn.Disconnect()
}
