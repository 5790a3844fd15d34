package api

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientIdle is how long a client's bucket survives without requests.
const clientIdle = 3 * time.Minute

// clientLimiter keeps one token bucket per remote host so a single noisy
// client cannot use up the budget of the others.
type clientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		clients: map[string]*clientBucket{},
	}
}

// Allow spends one token from the bucket of the host in remoteAddr.
func (l *clientLimiter) Allow(remoteAddr string) bool {
	host := clientHost(remoteAddr)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) >= clientIdle {
		for k, b := range l.clients {
			if now.Sub(b.seen) >= clientIdle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.clients[host]
	if !ok {
		b = &clientBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[host] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// Clients returns the number of hosts currently tracked.
func (l *clientLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
