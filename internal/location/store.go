// Package location holds the latest known position of every device seen upstream.
package location

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"locrelay/internal/metrics"
)

// Location is the latest known coordinate of a device. UpdatedAt is kept
// for operators only and never goes on the subscriber wire.
type Location struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	UpdatedAt time.Time `json:"-"`
}

// Mirror receives every location write, e.g. to republish it for sibling processes.
type Mirror interface {
	Publish(ctx context.Context, deviceID string, loc Location) error
}

// Store maps device id -> latest location. Last write wins, no history.
type Store struct {
	mu  sync.RWMutex
	m   map[string]Location
	now func() time.Time

	mirror    Mirror
	mirrorQ      chan mirrorWrite
	mirrorCancel context.CancelFunc
	mirrorEnd    chan struct{}
	log          zerolog.Logger
}

type mirrorWrite struct {
	deviceID string
	loc      Location
}

// mirrorQueue bounds the writes waiting for the mirror; beyond it they are dropped.
const mirrorQueue = 1024

// mirrorTimeout bounds a single Publish.
var mirrorTimeout = 2 * time.Second

// NewStore constructs an empty Store.
func NewStore(log zerolog.Logger) *Store {
	return &Store{
		m:   map[string]Location{},
		now: time.Now,
		log: log.With().Str("module", "location").Logger(),
	}
}

// WithMirror attaches a mirror fed by every Set. Publishing happens on a
// separate goroutine so a slow mirror never holds up Set; call Close to
// stop it.
func (s *Store) WithMirror(m Mirror) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s.mirror = m
	s.mirrorQ = make(chan mirrorWrite, mirrorQueue)
	s.mirrorCancel = cancel
	s.mirrorEnd = make(chan struct{})
	go s.runMirror(ctx)
	return s
}

func (s *Store) runMirror(ctx context.Context) {
	defer close(s.mirrorEnd)
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-s.mirrorQ:
			pctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
			if err := s.mirror.Publish(pctx, w.deviceID, w.loc); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Str("device_id", w.deviceID).Msg("mirror publish failed")
			}
			cancel()
		}
	}
}

// Close stops the mirror goroutine, abandoning queued writes and cancelling
// the one in flight. Later Sets still update the store.
func (s *Store) Close() {
	if s.mirrorCancel == nil {
		return
	}
	s.mirrorCancel()
	<-s.mirrorEnd
}

// Set overwrites the location of deviceID. Coordinates are not range checked.
func (s *Store) Set(deviceID string, lat, lng float64) {
	if deviceID == "" {
		return
	}
	loc := Location{Lat: lat, Lng: lng, UpdatedAt: s.now()}
	s.mu.Lock()
	s.m[deviceID] = loc
	n := len(s.m)
	s.mu.Unlock()
	metrics.KnownDevices.Set(float64(n))

	if s.mirrorQ != nil {
		select {
		case s.mirrorQ <- mirrorWrite{deviceID: deviceID, loc: loc}:
		default:
			metrics.MirrorDropped.Inc()
		}
	}
}

// Get returns the latest location of deviceID, if one was ever observed.
func (s *Store) Get(deviceID string) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.m[deviceID]
	return loc, ok
}

// ForEachKnown calls fn for every device in a snapshot taken under the lock,
// so fn may call back into the store.
func (s *Store) ForEachKnown(fn func(deviceID string, loc Location)) {
	s.mu.RLock()
	snap := make(map[string]Location, len(s.m))
	for k, v := range s.m {
		snap[k] = v
	}
	s.mu.RUnlock()
	for k, v := range snap {
		fn(k, v)
	}
}

// Len reports how many devices have a known location.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
