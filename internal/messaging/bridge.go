package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/labrun/internal/bridge"
	"github.com/seantiz/labrun/internal/event"
	"github.com/seantiz/labrun/internal/model"
)

// DefaultSendTimeout bounds a single bus send.
const DefaultSendTimeout = 5 * time.Second

// essentialBlockFor bounds how long a stalled bus may hold up the worker
// before the relay is dropped and resubscribed.
const essentialBlockFor = 5 * time.Second

// Feeds is the pair of event feeds a Bridge relays.
type Feeds interface {
	Progress() *event.Publisher[model.Event]
	Data() *event.Publisher[model.Event]
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Destination string
	// BroadcastStatus also relays the progress feed. Data documents are
	// always relayed.
	BroadcastStatus bool
	Buffer          int
	DropAfter       time.Duration
	SendTimeout     time.Duration
	Logger          *slog.Logger
}

// Bridge relays worker events onto a Bus.
type Bridge struct {
	bus   Bus
	feeds Feeds
	opts  BridgeOptions
}

// NewBridge creates a Bridge. Call Run to start relaying.
func NewBridge(bus Bus, feeds Feeds, opts BridgeOptions) *Bridge {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{bus: bus, feeds: feeds, opts: opts}
}

// Run relays events until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.relay(gctx, "data", b.feeds.Data(), nil)
	})
	if b.opts.BroadcastStatus {
		g.Go(func() error {
			return b.relay(gctx, "progress", b.feeds.Progress(), essentialStatus)
		})
	}
	b.opts.Logger.Info("bus bridge started",
		"destination", b.opts.Destination, "broadcast_status", b.opts.BroadcastStatus)
	return g.Wait()
}

// essentialStatus lets progress updates drop but keeps phase changes.
func essentialStatus(e model.Event) bool {
	return e.Kind() != model.KindProgress
}

// relay forwards pub to the bus. A relay that overflows is replaced so a
// temporarily stalled broker does not end broadcasting.
func (b *Bridge) relay(ctx context.Context, feed string, pub *event.Publisher[model.Event], essential func(model.Event) bool) error {
	for {
		r := bridge.NewRelay(pub, bridge.RelayOptions[model.Event]{
			Name:      "bus_" + feed,
			Buffer:    b.opts.Buffer,
			Essential: essential,
			DropAfter: b.opts.DropAfter,
			BlockFor:  essentialBlockFor,
		})
		for ev := range r.All(ctx) {
			b.send(ctx, ev)
		}
		r.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err := r.Err(); err != nil {
			b.opts.Logger.Error("bus relay overflowed, resubscribing",
				"feed", feed, "dropped", r.Dropped(), "error", err)
			continue
		}
		return nil
	}
}

func (b *Bridge) send(ctx context.Context, ev model.Event) {
	kind := string(ev.Kind())
	msg, err := NewMessage(b.opts.Destination, ev)
	if err != nil {
		busMessagesTotal.WithLabelValues(kind, resultError).Inc()
		b.opts.Logger.Error("encode bus message", "kind", kind, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.opts.SendTimeout)
	defer cancel()
	if err := b.bus.Send(sendCtx, msg); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		busMessagesTotal.WithLabelValues(kind, resultError).Inc()
		b.opts.Logger.Warn("send bus message",
			"kind", kind, "correlation_id", msg.CorrelationID, "error", err)
		return
	}
	busMessagesTotal.WithLabelValues(kind, resultSent).Inc()
}
