package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"locrelay/internal/upstream"
)

// TokenHandler handles GET /v1/token?deviceId=X and hands out the current
// ServerToken to clients asking for a known device. Requests are limited per
// remote host.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow(r.RemoteAddr) {
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "token rate limit exceeded", r.URL.Path)
		return
	}
	deviceID := strings.TrimSpace(r.URL.Query().Get("deviceId"))
	if deviceID == "" {
		writeProblem(w, http.StatusBadRequest, "Bad Request", "deviceId is required", r.URL.Path)
		return
	}
	ok, err := s.Store.DeviceExists(r.Context(), deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", deviceID).Msg("device lookup failed")
		writeProblem(w, http.StatusInternalServerError, "Device lookup failed", err.Error(), r.URL.Path)
		return
	}
	if !ok {
		writeProblem(w, http.StatusNotFound, "Unknown device", deviceID, r.URL.Path)
		return
	}
	tok, ok := s.Tokens.Current()
	if !ok {
		writeProblem(w, http.StatusServiceUnavailable, "Upstream unavailable", "no active upstream session", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) upstreamState() string {
	if s.Upstream == nil {
		return upstream.Disconnected.String()
	}
	return s.Upstream.State().String()
}

// HealthHandler reports healthy only while a ServerToken is held, which is
// exactly while the upstream stream is open.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.Tokens.Current(); !ok {
		writeProblem(w, http.StatusServiceUnavailable, "Unhealthy", "upstream "+s.upstreamState(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "upstream": s.upstreamState(), "token": true})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "device store: "+err.Error(), r.URL.Path)
		return
	}
	if s.Mirror != nil {
		if err := s.Mirror.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "redis: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
