package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menagerie-labs/chainwatch/internal/testutil"
	"github.com/menagerie-labs/chainwatch/pkg/bus"
	"github.com/menagerie-labs/chainwatch/pkg/scan"
	"github.com/menagerie-labs/chainwatch/pkg/store"
	"github.com/menagerie-labs/chainwatch/pkg/watch"
)

type fakeControl struct {
	enabled  map[string]uint64
	paused   map[string]bool
	polled   map[string]int
	statuses map[string]*watch.SubscriberStatus
	err      error
}

func newFakeControl() *fakeControl {
	return &fakeControl{
		enabled:  make(map[string]uint64),
		paused:   make(map[string]bool),
		polled:   make(map[string]int),
		statuses: make(map[string]*watch.SubscriberStatus),
	}
}

func (f *fakeControl) Enable(_ context.Context, subscriberID string, backfillWindow uint64) error {
	if f.err != nil {
		return f.err
	}
	f.enabled[subscriberID] = backfillWindow
	return nil
}

func (f *fakeControl) Pause(_ context.Context, subscriberID string) error {
	if f.err != nil {
		return f.err
	}
	f.paused[subscriberID] = true
	return nil
}

func (f *fakeControl) PollOnce(_ context.Context, subscriberID string) error {
	if f.err != nil {
		return f.err
	}
	f.polled[subscriberID]++
	return nil
}

func (f *fakeControl) Status(_ context.Context, subscriberID string) (*watch.SubscriberStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	status, ok := f.statuses[subscriberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return status, nil
}

func newTestServer(t *testing.T, control WatcherControl, stream *bus.LocalBus) *Server {
	t.Helper()
	server, err := NewServer(DefaultConfig(), control, testutil.Logger(t), &ServerOptions{Stream: stream})
	require.NoError(t, err)
	return server
}

func TestNewServerValidation(t *testing.T) {
	t.Run("nil control", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), nil, testutil.Logger(t), nil)
		assert.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Port = -1
		_, err := NewServer(cfg, newFakeControl(), testutil.Logger(t), nil)
		assert.Error(t, err)
	})
}

func TestHandleEnable(t *testing.T) {
	control := newFakeControl()
	server := newTestServer(t, control, nil)

	t.Run("with backfill window", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/watchers/sub-1/enable",
			strings.NewReader(`{"backfillWindow":500}`))
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(500), control.enabled["sub-1"])
	})

	t.Run("empty body means live-only", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/watchers/sub-2/enable", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, uint64(0), control.enabled["sub-2"])
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/watchers/sub-3/enable",
			strings.NewReader(`{broken`))
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlePauseAndPoll(t *testing.T) {
	control := newFakeControl()
	server := newTestServer(t, control, nil)

	req := httptest.NewRequest(http.MethodPost, "/watchers/sub-1/pause", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, control.paused["sub-1"])

	req = httptest.NewRequest(http.MethodPost, "/watchers/sub-1/poll", nil)
	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, control.polled["sub-1"])
}

func TestHandlePollError(t *testing.T) {
	control := newFakeControl()
	control.err = fmt.Errorf("subscriber ghost is not enabled")
	server := newTestServer(t, control, nil)

	req := httptest.NewRequest(http.MethodPost, "/watchers/ghost/poll", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	control := newFakeControl()
	control.statuses["sub-1"] = &watch.SubscriberStatus{
		SubscriberID: "sub-1",
		Enabled:      true,
		Watchers: []watch.WatcherStatus{
			{Family: scan.FamilySpawn, State: watch.StatePolling, Cursor: scan.Cursor{Block: 42}},
		},
	}
	server := newTestServer(t, control, nil)

	t.Run("found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/watchers/sub-1/", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var status watch.SubscriberStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.True(t, status.Enabled)
		require.Len(t, status.Watchers, 1)
		assert.Equal(t, uint64(42), status.Watchers[0].Cursor.Block)
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/watchers/ghost/", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleHealth(t *testing.T) {
	server := newTestServer(t, newFakeControl(), bus.NewLocalBus(4, testutil.Logger(t)))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStreamRelaysEnvelopes(t *testing.T) {
	stream := bus.NewLocalBus(8, testutil.Logger(t))
	defer stream.Close()
	server := newTestServer(t, newFakeControl(), stream)

	httpServer := httptest.NewServer(server.Router())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscription to register before publishing.
	require.Eventually(t, func() bool {
		return stream.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	envelope, err := bus.NewEnvelope("card", "sub-1", map[string]string{"hello": "stream"})
	require.NoError(t, err)
	require.NoError(t, stream.Publish(context.Background(), envelope))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received bus.Envelope
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, envelope.ID, received.ID)
	assert.Equal(t, "card", received.Kind)
}
