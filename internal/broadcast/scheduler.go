// Package broadcast pushes the latest known location of every device to its
// subscribers on a fixed period.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"locrelay/internal/location"
	"locrelay/internal/metrics"
	"locrelay/internal/subscription"
)

type payload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Scheduler re-sends every known location on each tick, changed or not, so
// subscribers get a steady heartbeat of the last position.
type Scheduler struct {
	Locations *location.Store
	Registry  *subscription.Registry
	Interval  time.Duration
	Stop      chan struct{}

	log      zerolog.Logger
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewScheduler(locs *location.Store, reg *subscription.Registry, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		Locations: locs,
		Registry:  reg,
		Interval:  interval,
		Stop:      make(chan struct{}),
		log:       log.With().Str("module", "broadcast").Logger(),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		s.log.Info().Dur("interval", s.Interval).Msg("broadcast scheduler started")
		for {
			select {
			case <-s.Stop:
				return
			case <-ticker.C:
				s.tickOnce()
			}
		}
	}()
}

// Shutdown stops the ticker loop and waits for an in-flight tick.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.Stop) })
	s.wg.Wait()
}

// tickOnce fans out one round and returns the number of payloads queued.
func (s *Scheduler) tickOnce() int {
	start := time.Now()
	var sent, skipped, dropped int
	s.Locations.ForEachKnown(func(deviceID string, loc location.Location) {
		if s.Registry.Count(deviceID) == 0 {
			return
		}
		msg, err := json.Marshal(payload{Lat: loc.Lat, Lng: loc.Lng})
		if err != nil {
			s.log.Error().Err(err).Str("device_id", deviceID).Msg("encode location")
			return
		}
		s.Registry.ForEachSubscriber(deviceID, func(h *subscription.Handle) {
			if h.Closed() {
				skipped++
				return
			}
			if h.Send(subscription.Delivery{DeviceID: deviceID, Data: msg}) {
				sent++
			} else {
				dropped++
			}
		})
	})
	metrics.BroadcastDeliveries.WithLabelValues("sent").Add(float64(sent))
	metrics.BroadcastDeliveries.WithLabelValues("skipped").Add(float64(skipped))
	metrics.BroadcastDeliveries.WithLabelValues("dropped").Add(float64(dropped))
	metrics.BroadcastTickDuration.Observe(time.Since(start).Seconds())
	if dropped > 0 {
		s.log.Debug().Int("dropped", dropped).Msg("subscriber queues full")
	}
	return sent
}
