package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mopl/realtime/types"
)

// JetStreamConfig configures the durable-log consumer.
type JetStreamConfig struct {
	// URL is the NATS server URL. Empty uses nats.DefaultURL.
	URL string

	// Stream is the JetStream stream holding the domain events.
	Stream string

	// Durable names the consumer so the read position survives restarts.
	Durable string

	// Subjects filters which event subjects to consume. Empty consumes the
	// whole stream.
	Subjects []string

	// Logger for diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// JetStreamSource consumes serialized domain events from NATS JetStream.
// JetStream gives at-least-once delivery and per-subject ordering, which is
// exactly the contract the ingestor expects from the durable log.
type JetStreamSource struct {
	cfg JetStreamConfig
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// NewJetStreamSource connects to NATS.
func NewJetStreamSource(cfg JetStreamConfig) (*JetStreamSource, error) {
	if cfg.Stream == "" || cfg.Durable == "" {
		return nil, errors.New("ingest: stream and durable consumer name are required")
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &JetStreamSource{
		cfg: cfg,
		nc:  nc,
		js:  js,
		log: log.With("component", "ingest", "stream", cfg.Stream),
	}, nil
}

// Messages creates (or resumes) the durable consumer and starts delivery.
// Acks are explicit: the ingestor commits each message only after the fanout
// router accepted the event.
func (s *JetStreamSource) Messages(ctx context.Context) (<-chan Message, error) {
	stream, err := s.js.Stream(ctx, s.cfg.Stream)
	if err != nil {
		return nil, err
	}

	consumerCfg := jetstream.ConsumerConfig{
		Durable:       s.cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
	}
	if len(s.cfg.Subjects) > 0 {
		consumerCfg.FilterSubjects = s.cfg.Subjects
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, err
	}

	ch := make(chan Message, 64)
	ctx, cancel := context.WithCancel(ctx)

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-ctx.Done():
			return
		default:
		}

		event, err := decodeEvent(msg.Data())
		if err != nil {
			// Poison message: never deliverable, park it out of the way.
			s.log.Error("undecodable event, terminating delivery", "error", err)
			_ = msg.Term()
			return
		}

		select {
		case ch <- Message{Event: event, Ack: msg.Ack}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		return nil, err
	}

	stopOnce := sync.Once{}
	stop := func() {
		stopOnce.Do(func() {
			cc.Drain()
			cancel()
			close(ch)
		})
	}
	context.AfterFunc(ctx, stop)

	return ch, nil
}

// Close closes the NATS connection.
func (s *JetStreamSource) Close() error {
	s.nc.Close()
	return nil
}

func decodeEvent(data []byte) (types.NotificationEvent, error) {
	var event types.NotificationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return types.NotificationEvent{}, err
	}
	if event.ID == "" {
		return types.NotificationEvent{}, errors.New("event missing id")
	}
	return event, nil
}
