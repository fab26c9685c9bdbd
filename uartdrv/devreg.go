// uartdrv/devreg.go

package uartdrv

import (
	"context"
	"sync"
)

// FlagRegistry is an in-process device-registration subsystem: one
// readiness word per device, with a coalesced changed-notification so
// external listeners can wait for conditions on a device. It stands in for
// the platform device manager on host builds.
type FlagRegistry struct {
	mu      sync.Mutex
	flags   map[DeviceID]uint32
	changed map[DeviceID]chan struct{}
}

// NewFlagRegistry returns an empty registry.
func NewFlagRegistry() *FlagRegistry {
	return &FlagRegistry{
		flags:   make(map[DeviceID]uint32),
		changed: make(map[DeviceID]chan struct{}),
	}
}

// ch returns the notification channel for dev. Called with mu held.
func (r *FlagRegistry) ch(dev DeviceID) chan struct{} {
	c, ok := r.changed[dev]
	if !ok {
		c = make(chan struct{}, 1)
		r.changed[dev] = c
	}
	return c
}

// SetFlags raises bits for a device and wakes its listeners.
func (r *FlagRegistry) SetFlags(dev DeviceID, bits uint32) {
	r.mu.Lock()
	r.flags[dev] |= bits
	c := r.ch(dev)
	r.mu.Unlock()
	signal(c)
}

// ClearFlags lowers bits for a device and wakes its listeners.
func (r *FlagRegistry) ClearFlags(dev DeviceID, bits uint32) {
	r.mu.Lock()
	r.flags[dev] &^= bits
	c := r.ch(dev)
	r.mu.Unlock()
	signal(c)
}

// Flags returns the current readiness word for a device.
func (r *FlagRegistry) Flags(dev DeviceID) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[dev]
}

// Changed returns the coalesced notification channel for a device. Callers
// must re-check Flags after waking.
func (r *FlagRegistry) Changed(dev DeviceID) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ch(dev)
}

// WaitFlags blocks until any bit of mask is raised for dev, returning the
// full readiness word, or until ctx is done.
func (r *FlagRegistry) WaitFlags(ctx context.Context, dev DeviceID, mask uint32) (uint32, error) {
	for {
		if f := r.Flags(dev); f&mask != 0 {
			return f, nil
		}
		select {
		case <-r.Changed(dev):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
