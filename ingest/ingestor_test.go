package ingest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopl/realtime/fanout"
	"github.com/mopl/realtime/types"
)

// chanSource feeds a fixed set of messages and closes.
type chanSource struct {
	messages []Message
}

func (s *chanSource) Messages(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, len(s.messages))
	for _, m := range s.messages {
		ch <- m
	}
	close(ch)
	return ch, nil
}

func (s *chanSource) Close() error { return nil }

// recordingPublisher counts publishes per event id.
type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, event types.NotificationEvent) (fanout.FanoutResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return fanout.FanoutResult{}, p.err
	}
	p.published = append(p.published, event.ID)
	return fanout.FanoutResult{LocalDelivered: 1}, nil
}

func message(id string, acked *sync.Map) Message {
	return Message{
		Event: types.NotificationEvent{ID: id, Type: types.EventNotification},
		Ack: func() error {
			acked.Store(id, true)
			return nil
		},
	}
}

func TestRunPublishesAndAcks(t *testing.T) {
	var acked sync.Map
	source := &chanSource{messages: []Message{
		message("ev-1", &acked),
		message("ev-2", &acked),
	}}
	pub := &recordingPublisher{}

	ing, err := New(DefaultOptions(), source, pub)
	require.NoError(t, err)
	require.NoError(t, ing.Run(context.Background()))

	assert.Equal(t, []string{"ev-1", "ev-2"}, pub.published)
	_, ok := acked.Load("ev-1")
	assert.True(t, ok)
	_, ok = acked.Load("ev-2")
	assert.True(t, ok)
}

func TestRunDeduplicatesRedelivery(t *testing.T) {
	var acked sync.Map
	source := &chanSource{messages: []Message{
		message("ev-1", &acked),
		message("ev-1", &acked), // at-least-once redelivery
		message("ev-2", &acked),
	}}
	pub := &recordingPublisher{}

	ing, err := New(DefaultOptions(), source, pub)
	require.NoError(t, err)
	require.NoError(t, ing.Run(context.Background()))

	assert.Equal(t, []string{"ev-1", "ev-2"}, pub.published, "duplicate must not be republished")
}

func TestRunSkipsEventsWithoutID(t *testing.T) {
	var acked sync.Map
	source := &chanSource{messages: []Message{
		{Event: types.NotificationEvent{}, Ack: func() error { acked.Store("empty", true); return nil }},
		message("ev-1", &acked),
	}}
	pub := &recordingPublisher{}

	ing, err := New(DefaultOptions(), source, pub)
	require.NoError(t, err)
	require.NoError(t, ing.Run(context.Background()))

	assert.Equal(t, []string{"ev-1"}, pub.published)
	_, ok := acked.Load("empty")
	assert.True(t, ok, "unusable message must still be committed")
}

func TestRunLeavesFailedPublishUnacked(t *testing.T) {
	var acked sync.Map
	source := &chanSource{messages: []Message{message("ev-1", &acked)}}
	pub := &recordingPublisher{err: context.Canceled}

	ing, err := New(DefaultOptions(), source, pub)
	require.NoError(t, err)

	err = ing.Run(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := acked.Load("ev-1")
	assert.False(t, ok, "an unpublished event must stay uncommitted for redelivery")
}

func TestNewRequiresSourceAndPublisher(t *testing.T) {
	_, err := New(DefaultOptions(), nil, &recordingPublisher{})
	assert.Error(t, err)
	_, err = New(DefaultOptions(), &chanSource{}, nil)
	assert.Error(t, err)
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	_, err := decodeEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = decodeEvent([]byte(`{"type":"notification"}`))
	assert.Error(t, err, "event without id is undeliverable")

	ev, err := decodeEvent([]byte(`{"id":"ev-1","type":"notification","targetSubscriberIds":["sub-1"]}`))
	require.NoError(t, err)
	assert.Equal(t, "ev-1", ev.ID)
}
