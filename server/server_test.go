package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mopl/realtime/registry"
	"github.com/mopl/realtime/storage"
	"github.com/mopl/realtime/transport"
	"github.com/mopl/realtime/types"
)

// newTestServer wires a server on a live registry. The store client points
// nowhere; the paths under test never reach it.
func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()

	opts := registry.DefaultOptions()
	opts.InstanceID = "node-test"
	reg, err := registry.New(opts)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	store := storage.NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}))

	srv, err := New(Options{
		InstanceID: "node-test",
		Registry:   reg,
		Store:      store,
	})
	require.NoError(t, err)
	return srv, reg
}

func waitForConnection(t *testing.T, reg *registry.Registry, subscriberID string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ids := reg.ListActive(subscriberID); len(ids) > 0 {
			return ids[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no connection registered for %s", subscriberID)
	return ""
}

func TestSSERequiresSubscriber(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sse", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketRequiresSubscriber(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	srv, reg := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/sse?subscriber=sub-1")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	connID := waitForConnection(t, reg, "sub-1")
	res := reg.Send(connID, types.NotificationEvent{
		ID:      "ev-1",
		Type:    types.EventNotification,
		Payload: []byte(`{"text":"hi"}`),
	})
	require.True(t, res.Delivered)

	scanner := bufio.NewScanner(resp.Body)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{
		"id: ev-1",
		"event: notification",
		`data: {"text":"hi"}`,
	}, lines)
}

func TestSSEConnectionReplacedOnReconnect(t *testing.T) {
	srv, reg := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	first, err := http.Get(ts.URL + "/sse?subscriber=sub-1")
	require.NoError(t, err)
	t.Cleanup(func() { first.Body.Close() })
	firstConn := waitForConnection(t, reg, "sub-1")

	second, err := http.Get(ts.URL + "/sse?subscriber=sub-1")
	require.NoError(t, err)
	t.Cleanup(func() { second.Body.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ids := reg.ListActive("sub-1")
		if len(ids) == 1 && ids[0] != firstConn {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reconnect did not replace the original connection")
}

func TestWebSocketDeliversEnvelopes(t *testing.T) {
	srv, reg := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?subscriber=sub-1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	connID := waitForConnection(t, reg, "sub-1")
	res := reg.Send(connID, types.NotificationEvent{
		ID:      "ev-1",
		Type:    types.EventDirectMessage,
		Payload: []byte(`{"text":"hi"}`),
	})
	require.True(t, res.Delivered)

	var envelope transport.Envelope
	require.NoError(t, client.ReadJSON(&envelope))
	assert.Equal(t, "ev-1", envelope.ID)
	assert.Equal(t, types.EventDirectMessage, envelope.Type)
}

func TestWebSocketClientCloseUnregisters(t *testing.T) {
	srv, reg := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?subscriber=sub-1"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	waitForConnection(t, reg, "sub-1")
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.ListActive("sub-1")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("closed client still registered")
}
