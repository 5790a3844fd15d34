package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"locrelay/internal/auth"
	"locrelay/internal/location"
	"locrelay/internal/store"
	"locrelay/internal/subscription"
	"locrelay/internal/upstream"
)

// UpstreamStatus exposes the upstream lifecycle to the health endpoint.
type UpstreamStatus interface {
	State() upstream.State
}

// Pinger is an optional dependency checked by the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubscriberConfig tunes per-connection behavior.
type SubscriberConfig struct {
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
}

// Options carries the collaborators the HTTP surface needs.
type Options struct {
	Store      store.Store
	Locations  *location.Store
	Registry   *subscription.Registry
	Issuer     *auth.Issuer
	Tokens     *auth.Slot
	Upstream   UpstreamStatus
	Mirror     Pinger
	RateRPS    float64
	RateBurst  int
	Subscriber SubscriberConfig
	Logger     zerolog.Logger
}

type Server struct {
	Store     store.Store
	Locations *location.Store
	Registry  *subscription.Registry
	Issuer    *auth.Issuer
	Tokens    *auth.Slot
	Upstream  UpstreamStatus
	Mirror    Pinger
	limiter   *clientLimiter
	Sub       SubscriberConfig

	log zerolog.Logger

	mu      sync.Mutex
	conns   map[uint64]*subscriberSession
	closing bool
	wg      sync.WaitGroup
}

// NewServer wires the HTTP surface. Missing optional collaborators get
// in-memory defaults.
func NewServer(o Options) *Server {
	if o.Store == nil {
		o.Store = store.NewMemory()
	}
	if o.RateRPS <= 0 {
		o.RateRPS = 5
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 10
	}
	sc := o.Subscriber
	if sc.Buffer <= 0 {
		sc.Buffer = 16
	}
	if sc.WriteTimeout <= 0 {
		sc.WriteTimeout = 10 * time.Second
	}
	if sc.PingInterval <= 0 {
		sc.PingInterval = 20 * time.Second
	}
	if sc.PongWait <= 0 {
		sc.PongWait = 60 * time.Second
	}
	return &Server{
		Store:     o.Store,
		Locations: o.Locations,
		Registry:  o.Registry,
		Issuer:    o.Issuer,
		Tokens:    o.Tokens,
		Upstream:  o.Upstream,
		Mirror:    o.Mirror,
		limiter:   newClientLimiter(o.RateRPS, o.RateBurst),
		Sub:       sc,
		log:       o.Logger.With().Str("module", "api").Logger(),
		conns:     map[uint64]*subscriberSession{},
	}
}

// track registers a live connection; it refuses once shutdown has begun.
func (s *Server) track(c *subscriberSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.handle.ID] = c
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *subscriberSession) {
	s.mu.Lock()
	delete(s.conns, c.handle.ID)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Connections returns the number of live subscriber connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops admitting subscriber connections, closes the live ones and
// waits for their teardown or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*subscriberSession, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	for _, c := range live {
		c.closeGoingAway()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Int("closed", len(live)).Msg("subscriber connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
