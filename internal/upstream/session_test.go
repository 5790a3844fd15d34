package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locrelay/internal/auth"
	"locrelay/internal/location"
)

// fakeTracker mimics the tracking service: token, session cookie, socket.
type fakeTracker struct {
	srv *httptest.Server

	authCalls   atomic.Int32
	streamCalls atomic.Int32
	failAuth    atomic.Bool
	silent      atomic.Bool // upgrade, then never read or write

	release chan struct{}

	mu    sync.Mutex
	conns []*websocket.Conn
	frame string
}

func newFakeTracker(t *testing.T, frame string) *fakeTracker {
	t.Helper()
	ft := &fakeTracker{frame: frame, release: make(chan struct{})}
	up := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/session/token", func(w http.ResponseWriter, r *http.Request) {
		ft.authCalls.Add(1)
		u, p, ok := r.BasicAuth()
		if ft.failAuth.Load() || !ok || u != "user" || p != "pass" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.Header.Get("expiration") == "" {
			http.Error(w, "expiration header required", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	})
	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok-1" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "sid-1", Path: "/"})
		_, _ = w.Write([]byte(`{"id":1}`))
	})
	mux.HandleFunc("/api/socket", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("JSESSIONID")
		if err != nil || c.Value != "sid-1" {
			http.Error(w, "no session", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ft.streamCalls.Add(1)
		ft.mu.Lock()
		ft.conns = append(ft.conns, conn)
		frame := ft.frame
		ft.mu.Unlock()
		if ft.silent.Load() {
			<-ft.release
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		// hold until the client or the test closes it
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	ft.srv = httptest.NewServer(mux)
	t.Cleanup(ft.srv.Close)
	t.Cleanup(func() { close(ft.release) })
	return ft
}

func (ft *fakeTracker) dropStreams() {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for _, c := range ft.conns {
		_ = c.Close()
	}
	ft.conns = nil
}

func (ft *fakeTracker) wsURL() string {
	return "ws" + strings.TrimPrefix(ft.srv.URL, "http") + "/api/socket"
}

type harness struct {
	session *Session
	locs    *location.Store
	issuer  *auth.Issuer
	slot    *auth.Slot
}

func newHarness(ft *fakeTracker, retry time.Duration) *harness {
	issuer := auth.NewIssuer([]byte("secret"), time.Hour)
	slot := &auth.Slot{}
	locs := location.NewStore(zerolog.Nop())
	ap := NewHTTPAuthProvider(ft.srv.URL, "user", "pass", time.Hour, 2*time.Second)
	d := NewWSDialer(ft.wsURL(), 2*time.Second)
	s := NewSession(ap, d, locs, issuer, slot, Options{RetryDelay: retry}, zerolog.Nop())
	return &harness{session: s, locs: locs, issuer: issuer, slot: slot}
}

func TestSessionStreamsPositionsAndMintsToken(t *testing.T) {
	ft := newFakeTracker(t, `{"positions":[{"deviceId":6367,"latitude":26.5,"longitude":87.3}]}`)
	h := newHarness(ft, 20*time.Millisecond)
	require.NoError(t, h.session.Start(context.Background()))
	defer h.session.Stop()

	require.Eventually(t, func() bool {
		_, ok := h.locs.Get("6367")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	loc, _ := h.locs.Get("6367")
	assert.Equal(t, 26.5, loc.Lat)
	assert.Equal(t, 87.3, loc.Lng)

	tok, ok := h.slot.Current()
	require.True(t, ok)
	assert.NoError(t, h.issuer.Admit(tok, h.slot))
	assert.Equal(t, Streaming, h.session.State())
}

func TestSessionClearsTokenAndReconnectsOnClose(t *testing.T) {
	ft := newFakeTracker(t, `{"positions":[]}`)
	h := newHarness(ft, 20*time.Millisecond)
	require.NoError(t, h.session.Start(context.Background()))
	defer h.session.Stop()

	require.Eventually(t, func() bool { _, ok := h.slot.Current(); return ok }, 2*time.Second, 5*time.Millisecond)
	t1, _ := h.slot.Current()

	ft.dropStreams()
	require.Eventually(t, func() bool { return ft.streamCalls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		t2, ok := h.slot.Current()
		return ok && t2 != t1
	}, 2*time.Second, 5*time.Millisecond)

	// the token minted for the first stream is still valid but no longer admitted
	assert.NoError(t, h.issuer.Verify(t1))
	assert.ErrorIs(t, h.issuer.Admit(t1, h.slot), auth.ErrTokenMismatch)
}

func TestSessionReconnectsWhenStreamGoesSilent(t *testing.T) {
	ft := newFakeTracker(t, `{}`)
	ft.silent.Store(true)
	issuer := auth.NewIssuer([]byte("secret"), time.Hour)
	slot := &auth.Slot{}
	d := NewWSDialer(ft.wsURL(), time.Second)
	d.PingInterval = 20 * time.Millisecond
	d.PongWait = 100 * time.Millisecond
	s := NewSession(NewHTTPAuthProvider(ft.srv.URL, "user", "pass", time.Hour, time.Second), d,
		location.NewStore(zerolog.Nop()), issuer, slot, Options{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := slot.Current(); return ok }, 2*time.Second, 5*time.Millisecond)
	first, _ := slot.Current()

	// no pong ever comes back, so the read deadline ends the stream
	require.Eventually(t, func() bool { return ft.streamCalls.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, issuer.Admit(first, slot), auth.ErrTokenMismatch)
}

func TestWSDialerKeepsAnsweringPeerAlive(t *testing.T) {
	ft := newFakeTracker(t, `{"positions":[]}`)
	d := NewWSDialer(ft.wsURL(), time.Second)
	d.PingInterval = 20 * time.Millisecond
	d.PongWait = 100 * time.Millisecond
	st, err := d.Dial(context.Background(), "sid-1")
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	_, err = st.ReadFrame()
	require.NoError(t, err)
	_, err = st.ReadFrame()
	require.NoError(t, err)

	// the peer sends nothing more but answers pings, so the stream stays open
	res := make(chan error, 1)
	go func() {
		_, err := st.ReadFrame()
		res <- err
	}()
	select {
	case err := <-res:
		t.Fatalf("stream ended while peer was answering pings: %v", err)
	case <-time.After(400 * time.Millisecond):
	}
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
	assert.Error(t, <-res)
}

func TestSessionRetriesAuthFailureForever(t *testing.T) {
	ft := newFakeTracker(t, `{}`)
	ft.failAuth.Store(true)
	h := newHarness(ft, 10*time.Millisecond)
	require.NoError(t, h.session.Start(context.Background()))

	require.Eventually(t, func() bool { return ft.authCalls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	_, ok := h.slot.Current()
	assert.False(t, ok)
	assert.Equal(t, int32(0), ft.streamCalls.Load())

	ft.failAuth.Store(false)
	require.Eventually(t, func() bool { return h.session.State() == Streaming }, 2*time.Second, 5*time.Millisecond)

	h.session.Stop()
	assert.Equal(t, Disconnected, h.session.State())
	_, ok = h.slot.Current()
	assert.False(t, ok)
}

func TestSessionStartTwice(t *testing.T) {
	ft := newFakeTracker(t, `{}`)
	h := newHarness(ft, time.Second)
	require.NoError(t, h.session.Start(context.Background()))
	assert.ErrorIs(t, h.session.Start(context.Background()), ErrAlreadyRunning)
	h.session.Stop()
	h.session.Stop()
	// a stopped session may be started again
	require.NoError(t, h.session.Start(context.Background()))
	h.session.Stop()
}

type stubAuth struct{ err error }

func (s stubAuth) Authenticate(context.Context) (string, error)     { return "t", s.err }
func (s stubAuth) SessionID(context.Context, string) (string, error) { return "sid", nil }

type scriptedStream struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *scriptedStream) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, errors.New("eof")
		}
		return f, nil
	case <-s.closed:
		return nil, errors.New("closed")
	}
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type scriptedDialer struct{ stream *scriptedStream }

func (d scriptedDialer) Dial(context.Context, string) (Stream, error) { return d.stream, nil }

func TestSessionRefreshesTokenWhileStreaming(t *testing.T) {
	st := &scriptedStream{frames: make(chan []byte), closed: make(chan struct{})}
	issuer := auth.NewIssuer([]byte("secret"), time.Hour)
	slot := &auth.Slot{}
	s := NewSession(stubAuth{}, scriptedDialer{st}, location.NewStore(zerolog.Nop()), issuer, slot,
		Options{RetryDelay: time.Hour, TokenRefresh: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := slot.Current(); return ok }, time.Second, 5*time.Millisecond)
	first, _ := slot.Current()
	require.Eventually(t, func() bool {
		cur, ok := slot.Current()
		return ok && cur != first
	}, time.Second, 5*time.Millisecond)
}

func TestSessionIngestSkipsBadFramesAndEmptyIDs(t *testing.T) {
	st := &scriptedStream{frames: make(chan []byte, 4), closed: make(chan struct{})}
	locs := location.NewStore(zerolog.Nop())
	s := NewSession(stubAuth{}, scriptedDialer{st}, locs, auth.NewIssuer([]byte("k"), time.Hour), &auth.Slot{},
		Options{RetryDelay: time.Hour}, zerolog.Nop())
	st.frames <- []byte(`{"positions":[{"deviceId":"","latitude":1,"longitude":1}]}`)
	st.frames <- []byte(`{{{`)
	st.frames <- []byte(`{"positions":[{"deviceId":"a","latitude":1,"longitude":2},{"deviceId":"a","latitude":3,"longitude":4}]}`)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { _, ok := locs.Get("a"); return ok }, time.Second, 5*time.Millisecond)
	loc, _ := locs.Get("a")
	assert.Equal(t, 3.0, loc.Lat, "last write wins within a frame")
	assert.Equal(t, 1, locs.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "authenticating", Authenticating.String())
	assert.Equal(t, "session_established", SessionEstablished.String())
	assert.Equal(t, "streaming", Streaming.String())
}
