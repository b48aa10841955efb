package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"creditvault/internal/events"

	"go.uber.org/zap"
)

// Sender delivers one rendered alert.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// alerting lists the events an operator is paged for.
var alerting = map[events.Kind]string{
	events.KindEmergency:       "vault entered emergency mode",
	events.KindBadDebt:         "bad debt recorded",
	events.KindBailOut:         "buffer bail out",
	events.KindUnwinderCreated: "vault handed to unwinder",
	events.KindAuctionStarted:  "collateral auction started",
	events.KindPauseChanged:    "vault pause changed",
}

// Notifier is an events.Sink that forwards alerting events to a Sender.
// Handle never blocks; messages beyond the queue are dropped and counted.
type Notifier struct {
	sender  Sender
	log     *zap.Logger
	queue   chan string
	dropped atomic.Uint64
}

func NewNotifier(sender Sender, log *zap.Logger, queueSize int) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Notifier{sender: sender, log: log, queue: make(chan string, queueSize)}
}

func (n *Notifier) Handle(e events.Event) {
	title, ok := alerting[e.Kind]
	if !ok {
		return
	}
	select {
	case n.queue <- Format(title, e):
	default:
		if n.dropped.Add(1) == 1 {
			n.log.Warn("alert queue full", zap.String("kind", string(e.Kind)))
		}
	}
}

func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run sends queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-n.queue:
			if err := n.sender.Send(ctx, msg); err != nil {
				n.log.Warn("alert send failed", zap.Error(err))
			}
		}
	}
}

// Format renders an event as a short multi-line message with sorted attrs.
func Format(title string, e events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[creditvault] %s\n", title)
	fmt.Fprintf(&b, "source: %s\n", e.Source)
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, e.Attrs[k])
	}
	if !e.Time.IsZero() {
		fmt.Fprintf(&b, "at: %s", e.Time.UTC().Format("2006-01-02 15:04:05Z"))
	}
	return strings.TrimRight(b.String(), "\n")
}
