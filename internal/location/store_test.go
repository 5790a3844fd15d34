package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordMirror struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordMirror) Publish(_ context.Context, deviceID string, _ Location) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, deviceID)
	return r.err
}

func (r *recordMirror) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// hangingMirror blocks every Publish until its context ends.
type hangingMirror struct{ started chan string }

func (h *hangingMirror) Publish(ctx context.Context, deviceID string, _ Location) error {
	select {
	case h.started <- deviceID:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestGetUnknownDevice(t *testing.T) {
	s := NewStore(zerolog.Nop())
	_, ok := s.Get("never-seen")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestSetOverwritesWholeValue(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.Set("6367", 26.5, 87.3)
	loc, ok := s.Get("6367")
	require.True(t, ok)
	assert.Equal(t, 26.5, loc.Lat)
	assert.Equal(t, 87.3, loc.Lng)

	s.Set("6367", -1, 0)
	loc, ok = s.Get("6367")
	require.True(t, ok)
	assert.Equal(t, -1.0, loc.Lat)
	assert.Equal(t, 0.0, loc.Lng)
	assert.Equal(t, 1, s.Len())
}

func TestSetIgnoresEmptyID(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.Set("", 1, 2)
	assert.Equal(t, 0, s.Len())
}

func TestSetStampsUpdateTime(t *testing.T) {
	s := NewStore(zerolog.Nop())
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	s.Set("a", 1, 1)
	loc, _ := s.Get("a")
	assert.Equal(t, fixed, loc.UpdatedAt)
}

func TestForEachKnownSnapshot(t *testing.T) {
	s := NewStore(zerolog.Nop())
	s.Set("a", 1, 1)
	s.Set("b", 2, 2)
	seen := map[string]Location{}
	s.ForEachKnown(func(id string, loc Location) {
		seen[id] = loc
		// writing during iteration must not deadlock
		s.Set("c", 3, 3)
	})
	assert.Len(t, seen, 2)
	assert.Equal(t, 3, s.Len())
}

func TestMirrorErrorsAreNotFatal(t *testing.T) {
	m := &recordMirror{err: errors.New("redis down")}
	s := NewStore(zerolog.Nop()).WithMirror(m)
	defer s.Close()
	s.Set("a", 1, 2)
	s.Set("b", 3, 4)
	_, ok := s.Get("b")
	assert.True(t, ok)
	require.Eventually(t, func() bool { return len(m.seen()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, m.seen())
}

func TestHangingMirrorDoesNotBlockSet(t *testing.T) {
	m := &hangingMirror{started: make(chan string, 1)}
	s := NewStore(zerolog.Nop()).WithMirror(m)

	start := time.Now()
	for i := 0; i < mirrorQueue+50; i++ {
		s.Set("a", float64(i), 0)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "Set must not wait on the mirror")
	loc, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, float64(mirrorQueue+49), loc.Lat)

	select {
	case <-m.started:
	case <-time.After(time.Second):
		t.Fatal("mirror never called")
	}
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a hanging mirror")
	}
	s.Close()
	s.Set("b", 1, 1)
	_, ok = s.Get("b")
	assert.True(t, ok)
}

func TestConcurrentWriters(t *testing.T) {
	s := NewStore(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set("dev", float64(i), float64(j))
				s.ForEachKnown(func(string, Location) {})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, s.Len())
}

func TestRedisMirrorChannelAndBadURL(t *testing.T) {
	assert.Equal(t, "device:6367", ChannelName("6367"))
	_, err := NewRedisMirror("not a url")
	assert.Error(t, err)
}
