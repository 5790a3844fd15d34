package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Wire types shared by the subscriber protocol and the upstream stream.

// SubscribeRequest is the client->server control message. Fields are kept
// loosely typed so that a present-but-wrong-typed value can be told apart
// from a missing one.
type SubscribeRequest struct {
	Token    any `json:"token"`
	DeviceID any `json:"deviceId"`
}

// Ack is the server->client success reply.
type Ack struct {
	Message string `json:"message"`
}

// ErrorReply is the server->client rejection reply.
type ErrorReply struct {
	Error string `json:"error"`
}

// PositionsFrame is one inbound message from the upstream stream. Frames
// without positions (devices, events) decode with a nil slice.
type PositionsFrame struct {
	Positions []Position `json:"positions"`
}

type Position struct {
	DeviceID  DeviceID `json:"deviceId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
}

// DeviceID accepts either a JSON string or a JSON number; the tracking
// service reports numeric ids while subscribers use strings.
type DeviceID string

func (d *DeviceID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DeviceID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("deviceId must be a string or number")
	}
	*d = DeviceID(canonicalNumber(n))
	return nil
}

// canonicalNumber renders integral numbers without fraction or exponent,
// so 6367, 6367.0 and 6.367e3 all name device "6367".
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err == nil && f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strings.TrimSpace(n.String())
}

func (d DeviceID) String() string { return string(d) }
