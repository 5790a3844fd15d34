package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stream is an open upstream position stream.
type Stream interface {
	// ReadFrame blocks for the next message. Any error ends the stream.
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens the position stream for an established session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Stream, error)
}

// WSDialer opens the stream as a WebSocket presenting the session cookie.
// Open streams are pinged every PingInterval; a stream that shows no frame
// and no pong for PongWait fails its next read.
type WSDialer struct {
	URL          string
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	PongWait     time.Duration
}

func NewWSDialer(streamURL string, handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{
		URL: streamURL,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		PingInterval: 20 * time.Second,
		PongWait:     60 * time.Second,
	}
}

func (d *WSDialer) Dial(ctx context.Context, sessionID string) (Stream, error) {
	hdr := http.Header{}
	hdr.Set("Cookie", "JSESSIONID="+sessionID)
	conn, resp, err := d.Dialer.DialContext(ctx, d.URL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial stream: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	st := &wsStream{conn: conn, pongWait: d.PongWait, done: make(chan struct{})}
	if st.pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(st.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(st.pongWait))
		})
	}
	if d.PingInterval > 0 {
		go st.keepalive(d.PingInterval)
	}
	return st, nil
}

type wsStream struct {
	conn      *websocket.Conn
	pongWait  time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

// ReadFrame returns the next message. Every frame extends the read deadline.
func (s *wsStream) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	if err == nil && s.pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	}
	return data, err
}

func (s *wsStream) keepalive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(every)); err != nil {
				// the pending read fails once the connection is gone
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
