package api

import (
	"net/http"
	"sort"
	"time"

	"locrelay/internal/buildinfo"
	"locrelay/internal/location"
)

type deviceDebug struct {
	DeviceID    string  `json:"deviceId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	AgeSeconds  float64 `json:"ageSeconds"`
	Subscribers int     `json:"subscribers"`
}

// DebugJSON dumps build info, runtime counters and the staleness of every
// known device. Secrets are never included.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	devices := []deviceDebug{}
	if s.Locations != nil {
		s.Locations.ForEachKnown(func(id string, loc location.Location) {
			devices = append(devices, deviceDebug{
				DeviceID:    id,
				Lat:         loc.Lat,
				Lng:         loc.Lng,
				AgeSeconds:  now.Sub(loc.UpdatedAt).Seconds(),
				Subscribers: s.Registry.Count(id),
			})
		})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })

	info := map[string]any{
		"build":    buildinfo.Info(),
		"time":     now.UTC().Format(time.RFC3339),
		"upstream": s.upstreamState(),
		"token": map[string]any{
			"held":    s.tokenHeld(),
			"expires": s.Tokens.Expires(),
		},
		"subscribers": map[string]any{
			"connections": s.Connections(),
			"subscribed":  s.Registry.Len(),
			"devices":     s.Registry.Devices(),
		},
		"config": map[string]any{
			"subscriberBuffer": s.Sub.Buffer,
			"pingInterval":     s.Sub.PingInterval.String(),
			"pongWait":         s.Sub.PongWait.String(),
			"rateRPS":          float64(s.limiter.limit),
			"rateBurst":        s.limiter.burst,
			"rateClients":      s.limiter.Clients(),
			"hasRedisMirror":   s.Mirror != nil,
		},
		"devices": devices,
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) tokenHeld() bool {
	_, ok := s.Tokens.Current()
	return ok
}
