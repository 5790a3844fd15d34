package store

import "context"

// Store is the device directory consulted before handing out a ServerToken.
type Store interface {
	// DeviceExists reports whether deviceID is a device the relay serves.
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
	Ping(ctx context.Context) error
}
