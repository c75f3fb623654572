package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopl/realtime/registry"
	"github.com/mopl/realtime/relay"
	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/types"
)

type sentFrame struct {
	ConnectionID string
	EventID      string
}

// fakeRegistry is an in-memory LocalRegistry.
type fakeRegistry struct {
	mu    sync.Mutex
	conns map[string][]string // subscriber -> connection ids
	gone  map[string]bool
	sent  []sentFrame
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{conns: make(map[string][]string), gone: make(map[string]bool)}
}

func (f *fakeRegistry) ListActive(subscriberID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.conns[subscriberID]...)
}

func (f *fakeRegistry) Send(connectionID string, event types.NotificationEvent) registry.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connectionID] {
		return registry.SendResult{ConnectionGone: true}
	}
	f.sent = append(f.sent, sentFrame{ConnectionID: connectionID, EventID: event.ID})
	return registry.SendResult{Delivered: true}
}

func (f *fakeRegistry) Subscribers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := make([]string, 0, len(f.conns))
	for s := range f.conns {
		subs = append(subs, s)
	}
	return subs
}

func (f *fakeRegistry) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame{}, f.sent...)
}

// fakePresence is an in-memory Presence map.
type fakePresence struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{entries: make(map[string]string)}
}

func (f *fakePresence) SetPresence(ctx context.Context, subscriberID, instanceID string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[subscriberID] = instanceID
	return nil
}

func (f *fakePresence) RefreshPresence(ctx context.Context, subscriberID, instanceID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[subscriberID] == instanceID, nil
}

func (f *fakePresence) LookupPresence(ctx context.Context, subscriberID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	instanceID, ok := f.entries[subscriberID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return instanceID, nil
}

func (f *fakePresence) ClearPresence(ctx context.Context, subscriberID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries[subscriberID] == instanceID {
		delete(f.entries, subscriberID)
	}
	return nil
}

// fakeBus records publishes and delivers them to registered handlers.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string][]func([]byte)
	sent     map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]func([]byte)), sent: make(map[string][][]byte)}
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent[channel] = append(f.sent[channel], data)
	handlers := append([]func([]byte){}, f.handlers[channel]...)
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

func (f *fakeBus) OnMessage(channel string, fn func(payload []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[channel] = append(f.handlers[channel], fn)
}

func (f *fakeBus) published(channel string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte{}, f.sent[channel]...)
}

func newTestRouter(t *testing.T, instanceID string, reg *fakeRegistry, presence *fakePresence, bus *fakeBus) *Router {
	t.Helper()
	opts := DefaultOptions()
	opts.InstanceID = instanceID
	r, err := New(opts, reg, presence, bus)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func notification(id string, targets ...string) types.NotificationEvent {
	return types.NotificationEvent{ID: id, Type: types.EventNotification, TargetSubscriberIDs: targets}
}

func TestPublishDeliversLocally(t *testing.T) {
	reg := newFakeRegistry()
	reg.conns["sub-1"] = []string{"conn-a", "conn-b"}
	r := newTestRouter(t, "node-1", reg, newFakePresence(), newFakeBus())

	res, err := r.Publish(context.Background(), notification("ev-1", "sub-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.LocalDelivered)
	assert.Zero(t, res.Relayed)
	assert.Zero(t, res.Unresolved)
	assert.Len(t, reg.frames(), 2)
}

func TestPublishIsIdempotentPerConnection(t *testing.T) {
	reg := newFakeRegistry()
	reg.conns["sub-1"] = []string{"conn-a"}
	r := newTestRouter(t, "node-1", reg, newFakePresence(), newFakeBus())

	ctx := context.Background()
	_, err := r.Publish(ctx, notification("ev-1", "sub-1"))
	require.NoError(t, err)
	_, err = r.Publish(ctx, notification("ev-1", "sub-1"))
	require.NoError(t, err)

	assert.Len(t, reg.frames(), 1, "redelivered event must reach the connection once")
}

func TestPublishRelaysToOwningInstance(t *testing.T) {
	reg := newFakeRegistry()
	presence := newFakePresence()
	presence.entries["sub-1"] = "node-2"
	bus := newFakeBus()
	r := newTestRouter(t, "node-1", reg, presence, bus)

	res, err := r.Publish(context.Background(), notification("ev-1", "sub-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Relayed)

	published := bus.published(relay.InstanceChannel("node-2"))
	require.Len(t, published, 1)

	var envelope types.RelayEnvelope
	require.NoError(t, json.Unmarshal(published[0], &envelope))
	assert.Equal(t, "node-2", envelope.TargetInstanceID)
	assert.Equal(t, "ev-1", envelope.Event.ID)
}

func TestPublishUnresolvedWithoutPresence(t *testing.T) {
	r := newTestRouter(t, "node-1", newFakeRegistry(), newFakePresence(), newFakeBus())

	res, err := r.Publish(context.Background(), notification("ev-1", "sub-ghost"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unresolved)
}

func TestPublishStaleOwnPresenceIsUnresolved(t *testing.T) {
	presence := newFakePresence()
	presence.entries["sub-1"] = "node-1" // we own the entry but have no connection
	bus := newFakeBus()
	r := newTestRouter(t, "node-1", newFakeRegistry(), presence, bus)

	res, err := r.Publish(context.Background(), notification("ev-1", "sub-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unresolved)
	assert.Empty(t, bus.published(relay.InstanceChannel("node-1")), "must not relay to ourselves")
}

func TestRelayedEnvelopeDeliversLocally(t *testing.T) {
	// node-2 receives an envelope relayed by node-1.
	reg := newFakeRegistry()
	reg.conns["sub-1"] = []string{"conn-a"}
	bus := newFakeBus()
	newTestRouter(t, "node-2", reg, newFakePresence(), bus)

	envelope := types.RelayEnvelope{TargetInstanceID: "node-2", Event: notification("ev-1", "sub-1")}
	require.NoError(t, bus.Publish(context.Background(), relay.InstanceChannel("node-2"), envelope))

	assert.Equal(t, []sentFrame{{ConnectionID: "conn-a", EventID: "ev-1"}}, reg.frames())
}

func TestRelayThenRedeliveryIsAbsorbed(t *testing.T) {
	reg := newFakeRegistry()
	reg.conns["sub-1"] = []string{"conn-a"}
	bus := newFakeBus()
	newTestRouter(t, "node-2", reg, newFakePresence(), bus)

	envelope := types.RelayEnvelope{TargetInstanceID: "node-2", Event: notification("ev-1", "sub-1")}
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, relay.InstanceChannel("node-2"), envelope))
	require.NoError(t, bus.Publish(ctx, relay.InstanceChannel("node-2"), envelope))

	assert.Len(t, reg.frames(), 1)
}

func TestConnectionGoneRetriesNextPublish(t *testing.T) {
	reg := newFakeRegistry()
	reg.conns["sub-1"] = []string{"conn-a"}
	reg.gone["conn-a"] = true
	presence := newFakePresence()
	r := newTestRouter(t, "node-1", reg, presence, newFakeBus())

	ctx := context.Background()
	res, err := r.Publish(ctx, notification("ev-1", "sub-1"))
	require.NoError(t, err)
	assert.Zero(t, res.LocalDelivered)

	// The connection came back; the same event must not be blocked by the
	// failed attempt's dedup entry.
	reg.mu.Lock()
	reg.gone["conn-a"] = false
	reg.mu.Unlock()

	res, err = r.Publish(ctx, notification("ev-1", "sub-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.LocalDelivered)
}

func TestPresenceLifecycleHooks(t *testing.T) {
	reg := newFakeRegistry()
	presence := newFakePresence()
	r := newTestRouter(t, "node-1", reg, presence, newFakeBus())

	info := types.ConnectionInfo{SubscriberID: "sub-1", ConnectionID: "conn-a"}
	r.SubscriberConnected(info)
	assert.Equal(t, "node-1", presence.entries["sub-1"])

	// Another connection still live: presence stays.
	reg.conns["sub-1"] = []string{"conn-b"}
	r.SubscriberDisconnected(info)
	assert.Equal(t, "node-1", presence.entries["sub-1"])

	// Last connection gone: presence cleared.
	delete(reg.conns, "sub-1")
	r.SubscriberDisconnected(info)
	_, ok := presence.entries["sub-1"]
	assert.False(t, ok)
}

// recordingEventCache captures resume-cache writes.
type recordingEventCache struct {
	mu     sync.Mutex
	cached map[string][]string // subscriber -> event ids
}

func (c *recordingEventCache) CacheEvent(ctx context.Context, subscriberID string, event types.NotificationEvent, ttl time.Duration, maxSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached == nil {
		c.cached = make(map[string][]string)
	}
	c.cached[subscriberID] = append(c.cached[subscriberID], event.ID)
	return nil
}

func TestPublishCachesForResume(t *testing.T) {
	cacheRec := &recordingEventCache{}
	opts := DefaultOptions()
	opts.InstanceID = "node-1"
	opts.EventCache = cacheRec

	r, err := New(opts, newFakeRegistry(), newFakePresence(), newFakeBus())
	require.NoError(t, err)
	t.Cleanup(r.Close)

	_, err = r.Publish(context.Background(), notification("ev-1", "sub-1", "sub-2"))
	require.NoError(t, err)

	cacheRec.mu.Lock()
	defer cacheRec.mu.Unlock()
	assert.Equal(t, []string{"ev-1"}, cacheRec.cached["sub-1"])
	assert.Equal(t, []string{"ev-1"}, cacheRec.cached["sub-2"])
}

func TestOptionsValidation(t *testing.T) {
	opts := DefaultOptions()
	_, err := New(opts, newFakeRegistry(), newFakePresence(), newFakeBus())
	assert.ErrorIs(t, err, ErrInvalidOptions) // missing instance id

	opts.InstanceID = "node-1"
	opts.RefreshInterval = opts.PresenceTTL
	assert.ErrorIs(t, opts.Validate(), ErrInvalidOptions)
}
