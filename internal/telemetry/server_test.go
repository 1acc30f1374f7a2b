package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/pipeline"
)

type stateSource struct {
	mu    sync.Mutex
	state pipeline.State
}

func (s *stateSource) set(st pipeline.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *stateSource) Stats() pipeline.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := fixedStats()
	st.State = s.state.String()
	return st
}

func TestLiveness(t *testing.T) {
	srv := NewServer(":0", "s", &stateSource{}, time.Second)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"alive"`)
}

func TestReadinessFollowsPipelineState(t *testing.T) {
	tests := []struct {
		state      pipeline.State
		mqtt       *bool
		wantCode   int
		wantStatus string
	}{
		{pipeline.StateInit, nil, http.StatusOK, StatusDegraded},
		{pipeline.StatePriming, nil, http.StatusOK, StatusDegraded},
		{pipeline.StateSteady, nil, http.StatusOK, StatusHealthy},
		{pipeline.StateSteady, ptr(false), http.StatusOK, StatusDegraded},
		{pipeline.StateSteady, ptr(true), http.StatusOK, StatusHealthy},
		{pipeline.StateStopped, nil, http.StatusServiceUnavailable, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			src := &stateSource{state: tt.state}
			srv := NewServer(":0", "s", src, time.Second)
			if tt.mqtt != nil {
				v := *tt.mqtt
				srv.MQTTConnected = func() bool { return v }
			}

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var h HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
			assert.Equal(t, tt.wantStatus, h.Status)
			assert.Equal(t, tt.state.String(), h.State)
			assert.Equal(t, "test", h.Backend)
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestStatsEndpoint(t *testing.T) {
	srv := NewServer(":0", "session-9", &stateSource{state: pipeline.StateSteady}, time.Second)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "session-9", snap.SessionID)
	assert.Equal(t, uint64(42), snap.Stats.FramesPosted)
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	src := &stateSource{state: pipeline.StatePriming}
	srv := NewServer(":0", "s", src, 10*time.Millisecond)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stats"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Snapshot
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "priming", first.Stats.State)

	src.set(pipeline.StateSteady)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		var snap Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		if snap.Stats.State == "steady" {
			return
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "s", &stateSource{}, time.Second)
	require.NoError(t, srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, srv.Shutdown(ctx))
}
