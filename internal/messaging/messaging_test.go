package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/seantiz/labrun/internal/event"
	"github.com/seantiz/labrun/internal/model"
)

const testDestination = "/topic/test"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewMessageWrapsEventInEnvelope(t *testing.T) {
	ev := model.DataEvent{TaskID: "t1", RequestID: "req-1", Name: "start", Doc: map[string]any{"uid": "u1"}}

	msg, err := NewMessage(testDestination, ev)
	require.NoError(t, err)
	assert.Equal(t, testDestination, msg.Destination)
	assert.Equal(t, ContentTypeJSON, msg.ContentType)
	assert.Equal(t, "req-1", msg.CorrelationID)

	env, err := DecodeEnvelope(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, model.KindData, env.Type)

	var got model.DataEvent
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, ev, got)
}

func TestNewMessageCorrelatesStatusByTask(t *testing.T) {
	msg, err := NewMessage(testDestination, model.StatusEvent{Phase: model.PhaseRunning, TaskID: "t7"})
	require.NoError(t, err)
	assert.Equal(t, "t7", msg.CorrelationID)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	first := Message{Destination: "a", CorrelationID: "c1", ContentType: ContentTypeJSON, Body: []byte(`{"type":"data"}`)}
	second := Message{Destination: "b", ContentType: ContentTypeJSON, Body: []byte(`{}`)}
	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Message{Destination: "a"}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := ReadFrame(truncated)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamBusOverPipe(t *testing.T) {
	client, server := net.Pipe()
	bus := NewStreamBus(client)

	received := make(chan Message, 1)
	go func() {
		defer close(received)
		msg, err := ReadFrame(server)
		if err == nil {
			received <- msg
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	want := Message{Destination: testDestination, CorrelationID: "t1", ContentType: ContentTypeJSON, Body: []byte(`{"type":"status"}`)}
	require.NoError(t, bus.Send(ctx, want))
	assert.Equal(t, want, <-received)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Send(context.Background(), want), ErrBusClosed)
	server.Close()
}

func TestStreamBusWriteDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	bus := NewStreamBus(client)
	defer bus.Close()

	// Nobody reads from server, so the write blocks until the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Send(ctx, Message{Destination: testDestination})
	require.Error(t, err)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

type sentFrame struct {
	destination string
	contentType string
	body        []byte
	headers     *frame.Header
}

type fakeStompConn struct {
	mu           sync.Mutex
	sent         []sentFrame
	sendErr      error
	disconnected int
}

func (c *fakeStompConn) Send(destination, contentType string, body []byte, opts ...func(*frame.Frame) error) error {
	f := frame.New(frame.SEND)
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, sentFrame{destination, contentType, body, f.Header})
	return nil
}

func (c *fakeStompConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected++
	return nil
}

func TestStompBusSendsCorrelationHeader(t *testing.T) {
	conn := &fakeStompConn{}
	bus := newStompBus(conn)

	require.NoError(t, bus.Send(context.Background(), Message{
		Destination: testDestination, CorrelationID: "t1", ContentType: ContentTypeJSON, Body: []byte(`{}`),
	}))
	require.NoError(t, bus.Send(context.Background(), Message{
		Destination: testDestination, ContentType: ContentTypeJSON, Body: []byte(`{}`),
	}))

	require.Len(t, conn.sent, 2)
	assert.Equal(t, testDestination, conn.sent[0].destination)
	assert.Equal(t, ContentTypeJSON, conn.sent[0].contentType)
	assert.Equal(t, "t1", conn.sent[0].headers.Get("correlation-id"))
	_, ok := conn.sent[1].headers.Contains("correlation-id")
	assert.False(t, ok)
}

func TestStompBusCloseDisconnectsOnce(t *testing.T) {
	conn := &fakeStompConn{}
	bus := newStompBus(conn)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.Equal(t, 1, conn.disconnected)
	assert.ErrorIs(t, bus.Send(context.Background(), Message{}), ErrBusClosed)
}

func TestStompBusWrapsSendError(t *testing.T) {
	broken := errors.New("connection reset")
	bus := newStompBus(&fakeStompConn{sendErr: broken})

	err := bus.Send(context.Background(), Message{Destination: testDestination})
	assert.ErrorIs(t, err, broken)
}

type feeds struct {
	progress *event.Publisher[model.Event]
	data     *event.Publisher[model.Event]
}

func newFeeds() *feeds {
	logger := slog.New(slog.DiscardHandler)
	return &feeds{
		progress: event.NewPublisher[model.Event](logger),
		data:     event.NewPublisher[model.Event](logger),
	}
}

func (f *feeds) Progress() *event.Publisher[model.Event] { return f.progress }
func (f *feeds) Data() *event.Publisher[model.Event]     { return f.data }

func runBridge(t *testing.T, bus Bus, f *feeds, broadcast bool) {
	t.Helper()
	b := NewBridge(bus, f, BridgeOptions{
		Destination:     testDestination,
		BroadcastStatus: broadcast,
		Buffer:          16,
		DropAfter:       10 * time.Millisecond,
		Logger:          slog.New(slog.DiscardHandler),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	require.Eventually(t, func() bool {
		if f.data.Len() != 1 {
			return false
		}
		return !broadcast || f.progress.Len() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func envelopeTypes(msgs []Message) []model.EventKind {
	kinds := make([]model.EventKind, 0, len(msgs))
	for _, m := range msgs {
		env, err := DecodeEnvelope(m.Body)
		if err != nil {
			continue
		}
		kinds = append(kinds, env.Type)
	}
	return kinds
}

func TestBridgeRelaysBothFeeds(t *testing.T) {
	bus := NewMemoryBus()
	f := newFeeds()
	runBridge(t, bus, f, true)

	f.progress.Publish(model.StatusEvent{Phase: model.PhaseRunning, TaskID: "t1"})
	f.data.Publish(model.DataEvent{TaskID: "t1", Name: "start", Doc: map[string]any{}})
	f.progress.Publish(model.StatusEvent{Phase: model.PhaseIdle, Previous: model.PhaseRunning, TaskID: "t1"})

	require.Eventually(t, func() bool { return len(bus.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)

	msgs := bus.Messages()
	assert.ElementsMatch(t,
		[]model.EventKind{model.KindStatus, model.KindData, model.KindStatus},
		envelopeTypes(msgs))
	for _, m := range msgs {
		assert.Equal(t, testDestination, m.Destination)
		assert.Equal(t, "t1", m.CorrelationID)
	}
}

func TestBridgeWithoutStatusBroadcast(t *testing.T) {
	bus := NewMemoryBus()
	f := newFeeds()
	runBridge(t, bus, f, false)

	assert.Equal(t, 0, f.progress.Len())

	f.progress.Publish(model.StatusEvent{Phase: model.PhaseRunning, TaskID: "t1"})
	f.data.Publish(model.DataEvent{TaskID: "t1", Name: "stop", Doc: map[string]any{}})

	require.Eventually(t, func() bool { return len(bus.Messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []model.EventKind{model.KindData}, envelopeTypes(bus.Messages()))
}

func TestBridgeKeepsRunningAfterSendError(t *testing.T) {
	bus := NewMemoryBus()
	f := newFeeds()
	runBridge(t, bus, f, false)

	require.NoError(t, bus.Close())
	f.data.Publish(model.DataEvent{TaskID: "t1", Name: "start", Doc: map[string]any{}})

	// The bridge logs the failure and keeps its subscription.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.data.Len())
	assert.Empty(t, bus.Messages())
}

func TestBridgeUnsubscribesOnShutdown(t *testing.T) {
	f := newFeeds()
	b := NewBridge(NewMemoryBus(), f, BridgeOptions{Destination: testDestination, BroadcastStatus: true,
		Logger: slog.New(slog.DiscardHandler)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	require.Eventually(t, func() bool { return f.data.Len() == 1 && f.progress.Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 0, f.data.Len())
	assert.Equal(t, 0, f.progress.Len())
}
