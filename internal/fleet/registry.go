package fleet

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the fleet's device collections: paired locks, freshly
// discovered unpaired locks, and the pending-reconnect queue. Pure state
// container, no I/O; the only failure mode is an absent address. An address
// lives in at most one of the paired and unpaired sets at any time.
type Registry struct {
	mu       sync.RWMutex
	paired   map[string]*Device
	unpaired map[string]*Device
	queue    map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		paired:   make(map[string]*Device),
		unpaired: make(map[string]*Device),
		queue:    make(map[string]struct{}),
	}
}

// AddUnpaired registers a newly discovered device. An address that is
// already paired or already registered is left untouched.
func (r *Registry) AddUnpaired(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.paired[dev.addr]; ok {
		return
	}
	if _, ok := r.unpaired[dev.addr]; ok {
		return
	}
	r.unpaired[dev.addr] = dev
}

// AddPaired inserts a device straight into the paired set. Used when
// rehydrating persisted devices at startup.
func (r *Registry) AddPaired(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unpaired, dev.addr)
	r.paired[dev.addr] = dev
	dev.setPaired(true)
}

// Paired looks up addr in the paired set.
func (r *Registry) Paired(addr string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.paired[addr]
	if !ok {
		return nil, fmt.Errorf("paired %s: %w", addr, ErrNotFound)
	}
	return dev, nil
}

// Unpaired looks up addr in the unpaired set.
func (r *Registry) Unpaired(addr string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.unpaired[addr]
	if !ok {
		return nil, fmt.Errorf("unpaired %s: %w", addr, ErrNotFound)
	}
	return dev, nil
}

// Lookup finds addr in either set.
func (r *Registry) Lookup(addr string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if dev, ok := r.paired[addr]; ok {
		return dev, nil
	}
	if dev, ok := r.unpaired[addr]; ok {
		return dev, nil
	}
	return nil, fmt.Errorf("device %s: %w", addr, ErrNotFound)
}

// Promote moves addr from the unpaired to the paired set. The move is
// atomic: the address is never in both sets, and never in neither while
// promoted.
func (r *Registry) Promote(addr string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.unpaired[addr]
	if !ok {
		return nil, fmt.Errorf("promote %s: %w", addr, ErrNotFound)
	}
	delete(r.unpaired, addr)
	r.paired[addr] = dev
	dev.setPaired(true)
	return dev, nil
}

// RemovePaired drops addr from the paired set and the reconnect queue.
func (r *Registry) RemovePaired(addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.paired[addr]; !ok {
		return fmt.Errorf("remove %s: %w", addr, ErrNotFound)
	}
	delete(r.paired, addr)
	delete(r.queue, addr)
	return nil
}

// ListPaired returns paired devices sorted by address.
func (r *Registry) ListPaired() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedDevices(r.paired)
}

// ListUnpaired returns unpaired devices sorted by address.
func (r *Registry) ListUnpaired() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedDevices(r.unpaired)
}

// Enqueue marks addr as pending an opportunistic reconnect probe.
func (r *Registry) Enqueue(addr string) {
	r.mu.Lock()
	r.queue[addr] = struct{}{}
	r.mu.Unlock()
}

// Dequeue removes addr from the reconnect queue.
func (r *Registry) Dequeue(addr string) {
	r.mu.Lock()
	delete(r.queue, addr)
	r.mu.Unlock()
}

// Queued reports reconnect-queue membership.
func (r *Registry) Queued(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queue[addr]
	return ok
}

// QueuedAddrs returns the queued addresses sorted for a deterministic
// reconnect pass order.
func (r *Registry) QueuedAddrs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addrs := make([]string, 0, len(r.queue))
	for addr := range r.queue {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func sortedDevices(m map[string]*Device) []*Device {
	devs := make([]*Device, 0, len(m))
	for _, d := range m {
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].addr < devs[j].addr })
	return devs
}
