// Package main runs a demo subscriber: it fetches a token for a device,
// subscribes over WebSocket and prints the broadcasts it receives.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	deviceID := os.Getenv("DEVICE_ID")
	if deviceID == "" {
		deviceID = "6367"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	resp, err := http.Get(base + "/v1/token?deviceId=" + url.QueryEscape(deviceID))
	if err != nil {
		log.Fatal().Err(err).Msg("token request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		log.Fatal().Int("status", resp.StatusCode).Msg("token not issued")
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		log.Fatal().Err(err).Msg("decode token")
	}

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(map[string]string{"token": tok.Token, "deviceId": deviceID}); err != nil {
		log.Fatal().Err(err).Msg("subscribe")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				log.Info().Err(err).Msg("connection closed")
				return
			}
			log.Info().Str("device_id", deviceID).RawJSON("msg", msg).Msg("WS <-")
		}
	}()

	wait := 30 * time.Second
	if v, err := time.ParseDuration(os.Getenv("WAIT")); err == nil {
		wait = v
	}
	select {
	case <-time.After(wait):
	case <-done:
	}
}
