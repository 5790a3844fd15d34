package location

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisMirror republishes location writes over Redis Pub/Sub, one channel per device.
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror connects to the Redis server named by url (redis://...).
func NewRedisMirror(url string) (*RedisMirror, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisMirror{rdb: redis.NewClient(opt)}, nil
}

type mirrorPayload struct {
	DeviceID string  `json:"deviceId"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	TS       string  `json:"ts"`
}

func (m *RedisMirror) Publish(ctx context.Context, deviceID string, loc Location) error {
	data, err := json.Marshal(mirrorPayload{
		DeviceID: deviceID,
		Lat:      loc.Lat,
		Lng:      loc.Lng,
		TS:       loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, ChannelName(deviceID), data).Err()
}

func (m *RedisMirror) Ping(ctx context.Context) error { return m.rdb.Ping(ctx).Err() }

func (m *RedisMirror) Close() error { return m.rdb.Close() }

// ChannelName is the Pub/Sub channel carrying deviceID's locations.
func ChannelName(deviceID string) string { return "device:" + deviceID }
