// Package upstream keeps the single session to the tracking service alive
// and feeds its position stream into the location store.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"locrelay/internal/auth"
	"locrelay/internal/metrics"
	"locrelay/internal/model"
)

var ErrAlreadyRunning = errors.New("upstream session is already running")

type State int32

const (
	Disconnected State = iota
	Authenticating
	SessionEstablished
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Authenticating:
		return "authenticating"
	case SessionEstablished:
		return "session_established"
	case Streaming:
		return "streaming"
	}
	return "unknown"
}

// LocationWriter receives every position record.
type LocationWriter interface {
	Set(deviceID string, lat, lng float64)
}

// Options tune the reconnect loop.
type Options struct {
	RetryDelay   time.Duration // fixed, no backoff growth
	TokenRefresh time.Duration // re-mint interval while streaming
}

// Session drives authenticate -> session id -> stream, forever. The
// ServerToken in Slot is held only while the stream is open.
type Session struct {
	auth      AuthProvider
	dialer    Dialer
	locations LocationWriter
	issuer    *auth.Issuer
	slot      *auth.Slot
	opts      Options
	log       zerolog.Logger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(ap AuthProvider, d Dialer, locs LocationWriter, issuer *auth.Issuer, slot *auth.Slot, opts Options, log zerolog.Logger) *Session {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Session{
		auth:      ap,
		dialer:    d,
		locations: locs,
		issuer:    issuer,
		slot:      slot,
		opts:      opts,
		log:       log.With().Str("module", "upstream").Logger(),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	metrics.UpstreamState.Set(float64(st))
}

// Start launches the supervised connect loop. It runs until Stop or until
// ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		stage, err := s.connectOnce(ctx)
		s.slot.Clear()
		s.setState(Disconnected)
		if ctx.Err() != nil {
			s.log.Info().Msg("upstream session stopped")
			return
		}
		metrics.UpstreamReconnects.WithLabelValues(stage).Inc()
		s.log.Warn().Err(err).Str("stage", stage).Dur("retry_in", s.opts.RetryDelay).Msg("upstream session lost, reconnecting")

		t := time.NewTimer(s.opts.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info().Msg("upstream session stopped")
			return
		case <-t.C:
		}
	}
}

// connectOnce runs one full attempt and returns the stage that ended it.
func (s *Session) connectOnce(ctx context.Context) (string, error) {
	s.setState(Authenticating)
	token, err := s.auth.Authenticate(ctx)
	if err != nil {
		return "authenticate", err
	}
	sid, err := s.auth.SessionID(ctx, token)
	if err != nil {
		return "session", err
	}
	s.setState(SessionEstablished)

	stream, err := s.dialer.Dial(ctx, sid)
	if err != nil {
		return "dial", err
	}
	defer func() { _ = stream.Close() }()
	// unblock ReadFrame on shutdown
	stopAfter := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopAfter()

	s.setState(Streaming)
	if err := s.mint(); err != nil {
		return "mint", err
	}
	s.log.Info().Msg("upstream stream open")

	streamDone := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(streamDone)
		wg.Wait()
	}()
	if s.opts.TokenRefresh > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.refreshLoop(streamDone)
		}()
	}

	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			return "stream", err
		}
		s.ingest(frame)
	}
}

func (s *Session) mint() error {
	tok, exp, err := s.issuer.Mint()
	if err != nil {
		return err
	}
	s.slot.Set(tok, exp)
	s.log.Info().Time("expires", exp).Msg("server token minted")
	return nil
}

func (s *Session) refreshLoop(done <-chan struct{}) {
	t := time.NewTicker(s.opts.TokenRefresh)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.mint(); err != nil {
				s.log.Error().Err(err).Msg("server token refresh failed")
			}
		}
	}
}

// ingest applies every position in frame. Frames that do not parse are
// dropped without ending the stream.
func (s *Session) ingest(frame []byte) {
	var f model.PositionsFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		s.log.Warn().Err(err).Int("bytes", len(frame)).Msg("skipping malformed upstream frame")
		return
	}
	for _, p := range f.Positions {
		if p.DeviceID == "" {
			continue
		}
		s.locations.Set(p.DeviceID.String(), p.Latitude, p.Longitude)
		metrics.LocationUpdates.Inc()
	}
}
