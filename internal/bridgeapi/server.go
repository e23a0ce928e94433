package bridgeapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"simbridge/internal/msgs"
	"simbridge/internal/simbridge"
	"simbridge/internal/supervisor"
)

// SimulatorStatus is the view of the supervised simulator the status route
// reports. It is optional; a bridge talking to an external simulator has none.
type SimulatorStatus interface {
	State() supervisor.State
	PID() int
	Usage(ctx context.Context) (supervisor.Usage, error)
}

type Server struct {
	bridge   *simbridge.Bridge
	sim      SimulatorStatus
	gatherer prometheus.Gatherer
	timeout  time.Duration
	log      *zap.Logger
}

type Option func(*Server)

func WithSimulator(sim SimulatorStatus) Option {
	return func(s *Server) { s.sim = sim }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithCommandTimeout bounds how long DELETE ?wait=true waits for the
// simulator's response.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func NewServer(b *simbridge.Bridge, opts ...Option) *Server {
	s := &Server{bridge: b, timeout: 5 * time.Second, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/entities", s.handleSpawn)
	mux.HandleFunc("/api/entities/", s.handleEntity)
	mux.HandleFunc("/api/topics/publish", s.handlePublish)
	mux.HandleFunc("/api/topics/stream", s.handleStream)
	mux.HandleFunc("/api/world/", s.handleWorld)
	mux.HandleFunc("/api/status", s.handleStatus)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ModelURI string     `json:"model_uri"`
		Name     string     `json:"name"`
		Pose     *msgs.Pose `json:"pose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ModelURI == "" {
		writeError(w, http.StatusBadRequest, "model_uri required")
		return
	}
	var opts []simbridge.SpawnOption
	if req.Pose != nil {
		opts = append(opts, simbridge.WithPose(*req.Pose))
	}
	if err := s.bridge.SpawnEntity(req.ModelURI, req.Name, opts...); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "model_uri": req.ModelURI, "name": req.Name})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/entities/"), "/")
	if name == "" {
		writeError(w, http.StatusNotFound, "entity name missing")
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if err := s.bridge.DeleteEntity(name); err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "name": name})
		return
	}

	p, err := s.bridge.DeleteEntityExpect(name, nil)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	resp, err := s.bridge.Await(ctx, p)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "no response from simulator")
	case err != nil:
		writeBridgeError(w, err)
	case !resp.Succeeded():
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "delete failed", "response": resp})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"response": resp})
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Topic string          `json:"topic"`
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Topic == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "topic and type required")
		return
	}
	if len(req.Data) == 0 {
		req.Data = json.RawMessage("{}")
	}
	if err := s.bridge.Publish(req.Topic, req.Type, req.Data); err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type streamEvent struct {
	Topic      string          `json:"topic"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "topic required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// The listener runs on the bus goroutine and must not block it.
	events := make(chan streamEvent, 64)
	sub, err := s.bridge.Subscribe(topic, r.URL.Query().Get("type"), func(ev simbridge.Event, err error) {
		out := streamEvent{Topic: ev.Topic, Type: ev.Type, Data: ev.Record.Raw, ReceivedAt: ev.ReceivedAt}
		if err != nil {
			out.Error = err.Error()
		}
		select {
		case events <- out:
		default:
			s.log.Warn("stream client too slow, dropping event", zap.String("topic", ev.Topic))
		}
	})
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	defer s.bridge.Remove(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: message\ndata: " + string(b) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "bridge unavailable")
		return
	}
	if r.Method == http.MethodOptions {
		writeNoContent(w)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/world/"), "/")
	var err error
	switch action {
	case "pause":
		err = s.bridge.Pause()
	case "play":
		err = s.bridge.Play()
	case "reset":
		err = s.bridge.ResetWorld()
	case "step":
		n := uint64(1)
		if raw := r.URL.Query().Get("n"); raw != "" {
			n, err = strconv.ParseUint(raw, 10, 32)
			if err != nil || n == 0 {
				writeError(w, http.StatusBadRequest, "n must be a positive integer")
				return
			}
		}
		err = s.bridge.Step(uint32(n))
	default:
		writeError(w, http.StatusNotFound, "route not found")
		return
	}
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := map[string]any{}
	if s.bridge != nil {
		out["bridge"] = map[string]any{
			"connected": s.bridge.Connected(),
			"topics":    s.bridge.SubscribedTopics(),
			"pending":   s.bridge.PendingCount(),
		}
	}
	if s.sim != nil {
		sim := map[string]any{"state": s.sim.State().String(), "pid": s.sim.PID()}
		if usage, err := s.sim.Usage(r.Context()); err == nil {
			sim["usage"] = usage
		}
		out["simulator"] = sim
	}
	writeJSON(w, http.StatusOK, out)
}

func writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, simbridge.ErrNotConnected), errors.Is(err, simbridge.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, simbridge.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeNoContent(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}
