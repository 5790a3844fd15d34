package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"locrelay/internal/auth"
	"locrelay/internal/metrics"
	"locrelay/internal/model"
	"locrelay/internal/subscription"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const subscribedMessage = "Subscribed successfully"

var (
	errBadFormat      = errors.New("invalid message format")
	errDeviceRequired = errors.New("deviceId is required")
)

type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateSubscribed
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateAwaitingAuth:
		return "awaiting_auth"
	case stateSubscribed:
		return "subscribed"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

type sessionEvent int

const (
	evAdmitted   sessionEvent = iota // valid subscribe message
	evRejected                       // admission or parse failure
	evDisconnect                     // read error, close frame or shutdown
)

// transitions is the whole subscriber state machine. Closed is terminal.
var transitions = map[sessionState]map[sessionEvent]sessionState{
	stateAwaitingAuth: {
		evAdmitted:   stateSubscribed,
		evRejected:   stateClosed,
		evDisconnect: stateClosed,
	},
	stateSubscribed: {
		evAdmitted:   stateSubscribed, // moves to the newly requested device
		evRejected:   stateClosed,
		evDisconnect: stateClosed,
	},
}

// subscriberSession is one inbound connection and its single subscription.
type subscriberSession struct {
	srv    *Server
	conn   *websocket.Conn
	handle *subscription.Handle
	log    zerolog.Logger

	state sessionState

	writeMu   sync.Mutex
	deviceID  string // guarded by writeMu
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func (c *subscriberSession) fire(ev sessionEvent) sessionState {
	if next, ok := transitions[c.state][ev]; ok {
		c.state = next
	}
	return c.state
}

// SubscribeHandler upgrades to WebSocket and runs the subscriber session.
func (s *Server) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		writeProblem(w, http.StatusServiceUnavailable, "Shutting down", "", r.URL.Path)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		return
	}
	h := s.Registry.NewHandle(s.Sub.Buffer)
	c := &subscriberSession{
		srv:      s,
		conn:     conn,
		handle:   h,
		log:      s.log.With().Uint64("conn_id", h.ID).Str("remote", r.RemoteAddr).Logger(),
		state:    stateAwaitingAuth,
		pumpDone: make(chan struct{}),
	}
	if !s.track(c) {
		c.closeGoingAway()
		_ = conn.Close()
		return
	}
	defer s.untrack(c)
	metrics.SubscribersActive.Inc()
	defer metrics.SubscribersActive.Dec()
	c.log.Debug().Msg("subscriber connected")

	go c.writePump()
	c.readLoop()
	c.teardown()
}

func (c *subscriberSession) readLoop() {
	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.Sub.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.Sub.PongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("subscriber read failed")
			}
			c.fire(evDisconnect)
			return
		}
		if c.onMessage(raw) == stateClosed {
			return
		}
	}
}

// onMessage runs admission for one inbound message and applies the result.
func (c *subscriberSession) onMessage(raw []byte) sessionState {
	deviceID, err := c.srv.admit(raw)
	if err != nil {
		reason, text := rejection(err)
		metrics.AdmissionRejections.WithLabelValues(reason).Inc()
		c.log.Info().Str("reason", reason).Str("state", c.state.String()).Msg("subscriber rejected")
		_ = c.writeJSON(model.ErrorReply{Error: text})
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, text), time.Now().Add(time.Second))
		return c.fire(evRejected)
	}
	ack, _ := json.Marshal(model.Ack{Message: subscribedMessage})
	// Holding writeMu across the move keeps every payload for the new device
	// behind the ack; payloads still queued for the old one are dropped by
	// deliver.
	c.writeMu.Lock()
	prev := c.srv.Registry.Subscribe(deviceID, c.handle)
	c.deviceID = deviceID
	err = c.writeLocked(ack)
	c.writeMu.Unlock()
	if err != nil {
		return c.fire(evDisconnect)
	}
	if prev != "" {
		c.log.Info().Str("from", prev).Str("device_id", deviceID).Msg("subscription moved")
	} else {
		c.log.Info().Str("device_id", deviceID).Msg("subscribed")
	}
	return c.fire(evAdmitted)
}

// admit parses a subscribe message and returns the requested device. Checks
// run in order: format, token presence, token validity, token identity, device.
func (s *Server) admit(raw []byte) (string, error) {
	var req model.SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return "", errBadFormat
	}
	var tok string
	if req.Token != nil {
		var ok bool
		if tok, ok = req.Token.(string); !ok {
			return "", auth.ErrTokenInvalid
		}
	}
	if err := s.Issuer.Admit(tok, s.Tokens); err != nil {
		return "", err
	}
	deviceID, ok := req.DeviceID.(string)
	if !ok || deviceID == "" {
		return "", errDeviceRequired
	}
	return deviceID, nil
}

// rejection maps an admission error to a metrics label and the client text.
func rejection(err error) (reason, text string) {
	switch {
	case errors.Is(err, errBadFormat):
		return "bad_format", "Invalid message format"
	case errors.Is(err, auth.ErrTokenMissing):
		return "token_missing", "Token is required"
	case errors.Is(err, auth.ErrTokenInvalid):
		return "token_invalid", "Invalid or expired token"
	case errors.Is(err, auth.ErrTokenMismatch):
		return "token_mismatch", "Token mismatch"
	case errors.Is(err, errDeviceRequired):
		return "device_missing", "deviceId is required"
	}
	return "unknown", "Subscription rejected"
}

// writePump drains the handle queue. Admission replies are written from the
// read loop and share writeMu.
func (c *subscriberSession) writePump() {
	defer close(c.pumpDone)
	ticker := time.NewTicker(c.srv.Sub.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.handle.Done():
			return
		case d := <-c.handle.Outbound():
			if err := c.deliver(d); err != nil {
				c.log.Debug().Err(err).Msg("subscriber write failed")
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.srv.Sub.WriteTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

// deliver writes a broadcast payload unless it belongs to a device the
// connection has since moved away from.
func (c *subscriberSession) deliver(d subscription.Delivery) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d.DeviceID != c.deviceID {
		c.log.Debug().Str("device_id", d.DeviceID).Msg("dropping payload for previous device")
		return nil
	}
	return c.writeLocked(d.Data)
}

func (c *subscriberSession) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(msg)
}

func (c *subscriberSession) writeLocked(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.srv.Sub.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *subscriberSession) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(b)
}

// teardown deregisters the handle before the socket goes away so no later
// tick can target it.
func (c *subscriberSession) teardown() {
	c.srv.Registry.Unsubscribe(c.handle)
	c.handle.Close()
	<-c.pumpDone
	_ = c.conn.Close()
	c.log.Debug().Str("device_id", c.deviceID).Msg("subscriber closed")
}

// closeGoingAway is used on shutdown; the read loop then tears down.
func (c *subscriberSession) closeGoingAway() {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
