package acdqueue

import (
	"log/slog"
	"sync"
)

// DeviceStatus is the raw availability state reported by the transport for a
// device key. It does not account for reservations the engine itself holds;
// see Device.Effective for that.
type DeviceStatus int

const (
	StatusUnknown DeviceStatus = iota
	StatusNotInUse
	StatusInUse
	StatusBusy
	StatusInvalid
	StatusUnavailable
	StatusRinging
	StatusRingInUse
	StatusOnHold
)

func (s DeviceStatus) String() string {
	switch s {
	case StatusNotInUse:
		return "NotInUse"
	case StatusInUse:
		return "InUse"
	case StatusBusy:
		return "Busy"
	case StatusInvalid:
		return "Invalid"
	case StatusUnavailable:
		return "Unavailable"
	case StatusRinging:
		return "Ringing"
	case StatusRingInUse:
		return "RingInUse"
	case StatusOnHold:
		return "OnHold"
	default:
		return "Unknown"
	}
}

// Device is the shared availability record for one state key. A single
// Device may back many Members across many Queues; mutating its status or
// counters must fan the change out to every referencing Member.
type Device struct {
	mu sync.Mutex

	key      string
	status   DeviceStatus
	reserved int
	active   int
	refs     int
}

func newDevice(key string) *Device {
	return &Device{key: key, status: StatusUnknown}
}

// Effective computes the member-visible status given this device's raw
// status and outstanding reservation/active counters, per spec.md §4.1.
func (d *Device) Effective(callInUse bool) DeviceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.effectiveLocked(callInUse)
}

func (d *Device) effectiveLocked(callInUse bool) DeviceStatus {
	switch d.status {
	case StatusInUse, StatusRinging, StatusRingInUse, StatusOnHold:
		if (d.reserved > 0 || d.active > 0) && !callInUse {
			return StatusBusy
		}
		return d.status
	case StatusNotInUse, StatusUnknown:
		if d.active > 0 {
			if !callInUse {
				return StatusBusy
			}
			return StatusInUse
		}
		if d.reserved > 0 {
			if !callInUse {
				return StatusBusy
			}
			return StatusRinging
		}
		return d.status
	default:
		return d.status
	}
}

func (d *Device) addReserved(n int) {
	d.mu.Lock()
	d.reserved += n
	d.mu.Unlock()
}

func (d *Device) addActive(n int) {
	d.mu.Lock()
	d.active += n
	d.mu.Unlock()
}

// Reserved and Active report the current shared counters; used by tests
// verifying the reservation-balance invariant.
func (d *Device) Reserved() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reserved
}

func (d *Device) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Device) setStatus(s DeviceStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// deviceStatusEvent is a unit of fan-out work processed by the registry's
// single-consumer task queue.
type deviceStatusEvent struct {
	key    string
	status DeviceStatus
}

// StatusSubscriber is notified, asynchronously, whenever a device's raw
// status changes. Queue wires one subscriber per live Queue so effective
// member status can be recomputed and an event emitted.
type StatusSubscriber interface {
	OnDeviceStatus(key string, status DeviceStatus)
}

// DeviceRegistry is the process-wide map from state key to shared Device
// record. Modeled on internal/sip/dialog.go's DialogManager: an RWMutex
// guarding a map of pointers, with a dedicated goroutine serializing
// cross-cutting fan-out so a storm of transport events cannot starve caller
// processing.
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*Device

	subMu       sync.RWMutex
	subscribers []StatusSubscriber

	events chan deviceStatusEvent
	done   chan struct{}

	logger *slog.Logger
}

// NewDeviceRegistry constructs a registry and starts its fan-out consumer
// goroutine. Callers must call Close to stop it.
func NewDeviceRegistry(logger *slog.Logger) *DeviceRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &DeviceRegistry{
		devices: make(map[string]*Device),
		events:  make(chan deviceStatusEvent, 256),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go r.runFanOut()
	return r
}

// Close stops the fan-out consumer. Safe to call once.
func (r *DeviceRegistry) Close() {
	close(r.done)
}

// Acquire returns the Device for key, creating it if absent, and increments
// its reference count. Callers must call Release exactly once per Acquire.
func (r *DeviceRegistry) Acquire(key string) (*Device, error) {
	if key == "" {
		return nil, ErrEmptyStateKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[key]
	if !ok {
		d = newDevice(key)
		r.devices[key] = d
	}
	d.mu.Lock()
	d.refs++
	d.mu.Unlock()
	return d, nil
}

// Release decrements the device's reference count and removes it from the
// registry once the last owning Member has released it.
func (r *DeviceRegistry) Release(d *Device) {
	if d == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d.mu.Lock()
	d.refs--
	dead := d.refs <= 0
	d.mu.Unlock()
	if dead {
		delete(r.devices, d.key)
	}
}

// Subscribe registers a StatusSubscriber that is notified, via the fan-out
// queue, of every subsequent SetStatus call. Queue registration happens at
// Queue construction time and is never removed except on process shutdown.
func (r *DeviceRegistry) Subscribe(sub StatusSubscriber) {
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, sub)
	r.subMu.Unlock()
}

// SetStatus updates the device's raw status and enqueues a fan-out event.
// Ordering within a single device key is preserved because the event
// channel is a single FIFO drained by one goroutine.
func (r *DeviceRegistry) SetStatus(key string, status DeviceStatus) {
	r.mu.RLock()
	d, ok := r.devices[key]
	r.mu.RUnlock()
	if !ok {
		return
	}
	d.setStatus(status)

	select {
	case r.events <- deviceStatusEvent{key: key, status: status}:
	default:
		r.logger.Warn("device status fan-out queue full, dropping event", "key", key)
	}
}

func (r *DeviceRegistry) runFanOut() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.events:
			r.subMu.RLock()
			subs := make([]StatusSubscriber, len(r.subscribers))
			copy(subs, r.subscribers)
			r.subMu.RUnlock()
			for _, sub := range subs {
				sub.OnDeviceStatus(ev.key, ev.status)
			}
		}
	}
}

// Count reports how many devices are currently tracked. Used by tests and
// the management API's diagnostic endpoint.
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
