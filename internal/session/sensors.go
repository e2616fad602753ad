package session

import (
	"sync"

	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/platform"
)

// RSSIUnavailable is reported by the radio stack when it has no signal
// measurement; such updates are ignored.
const RSSIUnavailable = -100

// SourceUnknown is the source value before any advertisement is seen
const SourceUnknown = "Unknown"

// diagnostic is the shared part of the auxiliary sensors: one exposed
// entity and the lock that orders its pushes.
type diagnostic struct {
	mu      sync.Mutex
	binding platform.Binding
}

func (d *diagnostic) push(v any) {
	if d.binding != nil {
		d.binding.Push(platform.State{Value: v, Available: true})
	}
}

func (d *diagnostic) bind(b platform.Binding, initial any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binding = b
	d.push(initial)
}

// RSSISensor reports the signal strength of the last advertisement
type RSSISensor struct {
	diagnostic
	value *int
}

// Update applies a reading; every update except RSSIUnavailable is pushed.
func (s *RSSISensor) Update(rssi int) bool {
	if rssi == RSSIUnavailable {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = &rssi
	s.push(rssi)
	return true
}

// Value returns the last reading, if any
func (s *RSSISensor) Value() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == nil {
		return 0, false
	}
	return *s.value, true
}

func (s *RSSISensor) current() any {
	if v, ok := s.Value(); ok {
		return v
	}
	return nil
}

// textSensor holds a string value and pushes only on change
type textSensor struct {
	diagnostic
	value string
}

func (s *textSensor) Update(v string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == v {
		return false
	}
	s.value = v
	s.push(v)
	return true
}

func (s *textSensor) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// StatusSensor reports the connection status text
type StatusSensor struct {
	textSensor
}

// SourceSensor reports which radio or proxy observed the device last
type SourceSensor struct {
	textSensor
}

func newStatusSensor() *StatusSensor {
	return &StatusSensor{textSensor{value: StatusInitializing}}
}

func newSourceSensor() *SourceSensor {
	return &SourceSensor{textSensor{value: SourceUnknown}}
}

func rssiDescriptor(address string, dev platform.DeviceInfo) platform.Descriptor {
	return platform.Descriptor{
		UniqueID:    fireboard.EntityID(address, fireboard.RoleRSSI),
		Name:        "Signal Strength",
		DeviceClass: "signal_strength",
		StateClass:  "measurement",
		Unit:        "dBm",
		Icon:        "mdi:bluetooth-audio",
		Category:    platform.CategoryDiagnostic,
		Device:      dev,
	}
}

func statusDescriptor(address string, dev platform.DeviceInfo) platform.Descriptor {
	return platform.Descriptor{
		UniqueID: fireboard.EntityID(address, fireboard.RoleStatus),
		Name:     "Status",
		Icon:     "mdi:connection",
		Category: platform.CategoryDiagnostic,
		Device:   dev,
	}
}

func sourceDescriptor(address string, dev platform.DeviceInfo) platform.Descriptor {
	return platform.Descriptor{
		UniqueID: fireboard.EntityID(address, fireboard.RoleSource),
		Name:     "Connected Via",
		Icon:     "mdi:router-wireless",
		Category: platform.CategoryDiagnostic,
		Device:   dev,
	}
}
