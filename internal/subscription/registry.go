// Package subscription indexes live subscriber connections by device id.
package subscription

import (
	"sync"
	"sync/atomic"
)

// Delivery is one queued payload and the device it describes. The device
// lets a connection that has since moved discard stale payloads.
type Delivery struct {
	DeviceID string
	Data     []byte
}

// Handle is one live downstream connection. The registry only ever queues
// payloads on it; the owning connection drains Outbound.
type Handle struct {
	ID uint64

	out       chan Delivery
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues msg without blocking. It reports false when the handle is
// closed or its queue is full; a dropped payload is superseded by the next tick.
func (h *Handle) Send(d Delivery) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.out <- d:
		return true
	case <-h.done:
		return false
	default:
		return false
	}
}

// Outbound is the FIFO queue of payloads awaiting delivery.
func (h *Handle) Outbound() <-chan Delivery { return h.out }

// Done is closed once the handle is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close marks the handle closed. Safe to call more than once.
func (h *Handle) Close() { h.closeOnce.Do(func() { close(h.done) }) }

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Registry maps device id -> insertion-ordered subscribers. A handle belongs
// to at most one device at a time.
type Registry struct {
	mu       sync.Mutex
	subs     map[string][]*Handle // deviceId -> subscribers
	byHandle map[uint64]string    // handle id -> deviceId
	seq      atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{subs: map[string][]*Handle{}, byHandle: map[uint64]string{}}
}

// NewHandle allocates a handle with the next connection id and a queue of
// the given capacity.
func (r *Registry) NewHandle(buffer int) *Handle {
	if buffer < 1 {
		buffer = 1
	}
	return &Handle{
		ID:   r.seq.Add(1),
		out:  make(chan Delivery, buffer),
		done: make(chan struct{}),
	}
}

// Subscribe adds h to deviceID's set. A handle already subscribed to another
// device is moved; subscribing twice to the same device is a no-op. It
// returns the device the handle was moved away from, if any.
func (r *Registry) Subscribe(deviceID string, h *Handle) (previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byHandle[h.ID]; ok {
		if cur == deviceID {
			return ""
		}
		r.removeLocked(cur, h.ID)
		previous = cur
	}
	r.subs[deviceID] = append(r.subs[deviceID], h)
	r.byHandle[h.ID] = deviceID
	return previous
}

// Unsubscribe removes h from whichever device it is subscribed to. Unknown
// handles are ignored.
func (r *Registry) Unsubscribe(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deviceID, ok := r.byHandle[h.ID]
	if !ok {
		return
	}
	r.removeLocked(deviceID, h.ID)
	delete(r.byHandle, h.ID)
}

func (r *Registry) removeLocked(deviceID string, id uint64) {
	list := r.subs[deviceID]
	for i, cur := range list {
		if cur.ID == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.subs, deviceID)
		return
	}
	r.subs[deviceID] = list
}

// ForEachSubscriber calls fn for each subscriber of deviceID, in subscription
// order, over a snapshot taken under the lock.
func (r *Registry) ForEachSubscriber(deviceID string, fn func(h *Handle)) {
	r.mu.Lock()
	list := r.subs[deviceID]
	snap := make([]*Handle, len(list))
	copy(snap, list)
	r.mu.Unlock()
	for _, h := range snap {
		fn(h)
	}
}

// DeviceOf returns the device h is subscribed to.
func (r *Registry) DeviceOf(h *Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byHandle[h.ID]
	return d, ok
}

// Count returns the number of subscribers of deviceID.
func (r *Registry) Count(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[deviceID])
}

// Len returns the number of subscribed handles across all devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}

// Devices lists the devices with at least one subscriber.
func (r *Registry) Devices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for d := range r.subs {
		out = append(out, d)
	}
	return out
}
