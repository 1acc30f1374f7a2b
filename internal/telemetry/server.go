package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/pipeline"
)

// Health states reported by /readiness.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the /readiness body.
type HealthStatus struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	Backend       string `json:"backend"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected bool   `json:"mqtt_connected"`
}

// Server serves health and stats endpoints and pushes snapshots to
// websocket clients.
type Server struct {
	addr      string
	sessionID string
	src       Source
	interval  time.Duration
	log       *logrus.Entry
	started   time.Time

	// MQTTConnected, when set, feeds the readiness report.
	MQTTConnected func() bool

	upgrader websocket.Upgrader
	http     *http.Server
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewServer returns a server for src listening on addr. interval is the
// websocket push period.
func NewServer(addr, sessionID string, src Source, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		addr:      addr,
		sessionID: sessionID,
		src:       src,
		interval:  interval,
		started:   time.Now(),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: logrus.WithFields(logrus.Fields{
			"component":  "health-server",
			"session_id": sessionID,
		}),
	}
	return s
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.liveness)
	mux.HandleFunc("/readiness", s.readiness)
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/ws/stats", s.streamStats)
	return mux
}

// Start listens on addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr":      ln.Addr().String(),
		"endpoints": []string{"/health", "/readiness", "/stats", "/ws/stats"},
	}).Info("starting health check server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("health check server failed")
		}
	}()
	return nil
}

// Shutdown stops the server and closes websocket streams.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// Health evaluates the pipeline state.
func (s *Server) Health() HealthStatus {
	st := s.src.Stats()
	h := HealthStatus{
		Status:        StatusHealthy,
		State:         st.State,
		Backend:       st.Backend,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.MQTTConnected != nil {
		h.MQTTConnected = s.MQTTConnected()
	}

	switch st.State {
	case pipeline.StateSteady.String():
		if s.MQTTConnected != nil && !h.MQTTConnected {
			h.Status = StatusDegraded
		}
	case pipeline.StateInit.String(), pipeline.StatePriming.String():
		h.Status = StatusDegraded
	default:
		h.Status = StatusUnhealthy
	}
	return h
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	h := s.Health()
	code := http.StatusOK
	if h.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Take(s.sessionID, s.src))
}

// streamStats upgrades to a websocket and sends a JSON snapshot every
// interval until the client goes away or the server shuts down.
func (s *Server) streamStats(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := conn.RemoteAddr().String()
	s.log.WithField("client", client).Debug("stats stream opened")

	// Reads only detect the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := conn.WriteJSON(Take(s.sessionID, s.src)); err != nil {
			s.log.WithError(err).WithField("client", client).Debug("stats stream closed")
			return
		}
		select {
		case <-ticker.C:
		case <-gone:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
