// Package ingest consumes domain events from the durable event log and feeds
// them to the fanout router. The log delivers at least once and in order per
// partition key; the ingestor deduplicates by event id and commits its read
// position only after the router accepted the event.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mopl/realtime/fanout"
	"github.com/mopl/realtime/types"
)

// Message is one durable-log delivery. Ack commits the read position; an
// unacked message is redelivered after a crash, bounding loss to zero and
// redelivery to the in-flight batch.
type Message struct {
	Event types.NotificationEvent
	Ack   func() error
}

// Source is a durable-log consumer. NATS JetStream backs the production
// implementation; tests use an in-memory channel.
type Source interface {
	// Messages starts consumption. The channel closes when ctx is cancelled
	// and all in-flight callbacks finished.
	Messages(ctx context.Context) (<-chan Message, error)

	// Close tears down the underlying connection.
	Close() error
}

// Publisher is the slice of the fanout router the ingestor needs.
type Publisher interface {
	Publish(ctx context.Context, event types.NotificationEvent) (fanout.FanoutResult, error)
}

// Options configures an Ingestor.
type Options struct {
	// DedupWindow bounds the recently-seen event id set.
	DedupWindow int

	// Logger for diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default ingestor configuration.
func DefaultOptions() Options {
	return Options{DedupWindow: 8192}
}

// Ingestor drains a Source into a Publisher.
type Ingestor struct {
	opts   Options
	source Source
	pub    Publisher
	log    *slog.Logger
	seen   *lru.Cache[string, struct{}]
}

// New creates an Ingestor.
func New(opts Options, source Source, pub Publisher) (*Ingestor, error) {
	if source == nil || pub == nil {
		return nil, errors.New("ingest: source and publisher are required")
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultOptions().DedupWindow
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	seen, err := lru.New[string, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		opts:   opts,
		source: source,
		pub:    pub,
		log:    log.With("component", "ingest"),
		seen:   seen,
	}, nil
}

// Run consumes until ctx is cancelled. Each distinct event is published to
// the router before its offset is committed; a message whose publish was cut
// short by shutdown stays uncommitted and is redelivered, which the router's
// dedup window absorbs.
func (i *Ingestor) Run(ctx context.Context) error {
	ch, err := i.source.Messages(ctx)
	if err != nil {
		return err
	}

	for msg := range ch {
		if msg.Event.ID == "" {
			i.log.Warn("event without id, skipping")
			i.ack(msg)
			continue
		}

		if _, dup := i.seen.Get(msg.Event.ID); dup {
			// Already published in a previous delivery; just commit.
			i.log.Debug("duplicate event discarded", "eventId", msg.Event.ID)
			i.ack(msg)
			continue
		}

		res, err := i.pub.Publish(ctx, msg.Event)
		if err != nil {
			// Publish only fails on cancellation; leave the message unacked
			// so the log redelivers it.
			i.log.Info("shutting down with event in flight", "eventId", msg.Event.ID)
			return err
		}

		i.seen.Add(msg.Event.ID, struct{}{})
		i.ack(msg)

		i.log.Debug("event ingested",
			"eventId", msg.Event.ID,
			"type", string(msg.Event.Type),
			"local", res.LocalDelivered,
			"relayed", res.Relayed,
			"unresolved", res.Unresolved)
	}

	return nil
}

func (i *Ingestor) ack(msg Message) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack(); err != nil {
		i.log.Warn("offset commit failed", "eventId", msg.Event.ID, "error", err)
	}
}
