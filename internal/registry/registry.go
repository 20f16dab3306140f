// Package registry holds the in-memory device registry: the single source of
// truth for device state between bootstrap fetches and streamed deltas.
package registry

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/alexjbarnes/home-sync/internal/protocol"
)

// MergeResult reports whether ApplyDelta updated a known device or
// synthesized a new one.
type MergeResult int

const (
	MergeUpdated MergeResult = iota
	MergeInserted
)

// Subscriber receives a consistent snapshot after every registry change.
type Subscriber func(devices []protocol.Device)

// Registry is the single writer of device state. All mutation goes through
// its mutex; readers only ever see deep-copied snapshots. Subscribers are
// invoked outside the lock, in registration order, with the snapshot taken
// at the end of the mutation that triggered them.
type Registry struct {
	logger  *slog.Logger
	catalog *ClassCatalog

	mu      sync.Mutex
	devices map[string]*protocol.Device

	subMu  sync.Mutex
	subs   map[uint64]Subscriber
	nextID uint64
}

// New creates an empty registry. catalog may be nil.
func New(logger *slog.Logger, catalog *ClassCatalog) *Registry {
	return &Registry{
		logger:  logger,
		catalog: catalog,
		devices: make(map[string]*protocol.Device),
		subs:    make(map[uint64]Subscriber),
	}
}

// Subscribe registers a change subscriber and returns its unsubscribe
// function. The subscriber fires after every successful Bootstrap,
// ApplyDelta, or Replace.
func (r *Registry) Subscribe(fn Subscriber) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextID
	r.nextID++
	r.subs[id] = fn

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

// Bootstrap atomically replaces the entire registry contents with the given
// device list. Devices not present in the list are dropped. This is the only
// operation that removes devices.
func (r *Registry) Bootstrap(devices []protocol.Device) {
	r.mu.Lock()

	r.devices = make(map[string]*protocol.Device, len(devices))
	for i := range devices {
		d := cloneDevice(devices[i])
		r.classify(&d)
		r.devices[d.ID] = &d
	}

	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("registry bootstrapped", slog.Int("devices", len(devices)))
	r.notify(snap)
}

// ApplyDelta merges a status delta into the device with the given id,
// field by field: fields present in the delta overwrite, fields absent in
// the delta retain their existing value. An unknown id synthesizes a new
// device carrying only the id and the delta's fields; its other attributes
// stay absent until the next bootstrap. Values are stored as-is, range
// validation is a presentation concern.
func (r *Registry) ApplyDelta(deviceID string, delta protocol.Status) MergeResult {
	r.mu.Lock()

	result := MergeUpdated

	d, ok := r.devices[deviceID]
	if !ok {
		d = &protocol.Device{ID: deviceID}
		r.devices[deviceID] = d
		result = MergeInserted
	}

	mergeStatus(&d.Status, delta)

	snap := r.snapshotLocked()
	r.mu.Unlock()

	if result == MergeInserted {
		r.logger.Info("delta for unknown device, synthesized entry",
			slog.String("device_id", deviceID),
		)
	}

	r.notify(snap)

	return result
}

// Replace upserts one device as a whole-object replacement. Used for
// device_list_update entries: each listed device is replaced in full, but
// devices absent from the list are never removed.
func (r *Registry) Replace(device protocol.Device) {
	r.mu.Lock()

	d := cloneDevice(device)
	r.classify(&d)
	r.devices[d.ID] = &d

	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(snap)
}

// Snapshot returns a deep-copied, consistent view of all devices, sorted by
// id. Mutating the result never affects registry state.
func (r *Registry) Snapshot() []protocol.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.devices)
}

func (r *Registry) snapshotLocked() []protocol.Device {
	snap := make([]protocol.Device, 0, len(r.devices))
	for _, d := range r.devices {
		snap = append(snap, cloneDevice(*d))
	}

	slices.SortFunc(snap, func(a, b protocol.Device) int {
		return strings.Compare(a.ID, b.ID)
	})

	return snap
}

// classify fills the class tag from the catalog when the server omitted it.
func (r *Registry) classify(d *protocol.Device) {
	if d.Class != "" || r.catalog == nil {
		return
	}

	d.Class = r.catalog.Lookup(d.Vendor, d.Model)
}

func (r *Registry) notify(snap []protocol.Device) {
	r.subMu.Lock()
	subs := make([]Subscriber, 0, len(r.subs))

	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// mergeStatus applies field-level last-write-wins: each non-nil delta field
// overwrites, each nil field retains the existing value. Pointer values are
// copied so the registry never aliases caller memory.
func mergeStatus(dst *protocol.Status, delta protocol.Status) {
	if delta.WaterLeak != nil {
		dst.WaterLeak = ptr(*delta.WaterLeak)
	}

	if delta.Battery != nil {
		dst.Battery = ptr(*delta.Battery)
	}

	if delta.BatteryLow != nil {
		dst.BatteryLow = ptr(*delta.BatteryLow)
	}

	if delta.LinkQuality != nil {
		dst.LinkQuality = ptr(*delta.LinkQuality)
	}

	if delta.DeviceTemperature != nil {
		dst.DeviceTemperature = ptr(*delta.DeviceTemperature)
	}

	if delta.Voltage != nil {
		dst.Voltage = ptr(*delta.Voltage)
	}

	if delta.PowerOutageCount != nil {
		dst.PowerOutageCount = ptr(*delta.PowerOutageCount)
	}

	if delta.TriggerCount != nil {
		dst.TriggerCount = ptr(*delta.TriggerCount)
	}

	if delta.LastSeen != nil {
		dst.LastSeen = ptr(*delta.LastSeen)
	}
}

func cloneDevice(d protocol.Device) protocol.Device {
	cp := d
	cp.Status = cloneStatus(d.Status)

	return cp
}

func cloneStatus(s protocol.Status) protocol.Status {
	var cp protocol.Status
	mergeStatus(&cp, s)

	return cp
}

func ptr[T any](v T) *T {
	return &v
}
