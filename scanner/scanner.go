// Package scanner runs one-shot discovery of FireBoard hubs in radio range.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// Source streams advertisements until ctx ends
type Source interface {
	Scan(ctx context.Context, allowDup bool, handler func(device.Observation)) error
}

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

// Event is emitted for every accepted advertisement
type Event struct {
	Type        EventType
	Observation device.Observation
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration
	AllowDuplicates bool
	// All includes peripherals that do not look like a FireBoard hub
	All       bool
	AllowList []string
	BlockList []string
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration: 10 * time.Second,
	}
}

// Scanner collects advertisements into a per-address list
type Scanner struct {
	source Source
	events *ringchan.RingChannel[Event]
	logger *logrus.Logger

	mu    sync.Mutex
	found *orderedmap.OrderedMap[string, device.Observation]
}

// NewScanner creates a scanner reading from source
func NewScanner(source Source, logger *logrus.Logger) (*Scanner, error) {
	if source == nil {
		return nil, fmt.Errorf("failed to create scanner: source is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		source: source,
		events: ringchan.New[Event](100),
		logger: logger,
	}, nil
}

// Scan discovers devices for opts.Duration, or until ctx ends when the
// duration is zero. Devices are returned in first-seen order.
func (s *Scanner) Scan(ctx context.Context, opts *Options, progress ProgressCallback) ([]device.Observation, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if progress == nil {
		progress = func(string) {}
	}

	s.mu.Lock()
	s.found = orderedmap.New[string, device.Observation]()
	s.mu.Unlock()

	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	f := newFilter(opts)
	err := s.source.Scan(ctx, opts.AllowDuplicates, func(obs device.Observation) {
		s.handle(obs, f)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	progress("Processing results")
	out := s.Devices()
	s.logger.WithField("device_count", len(out)).Info("BLE scan completed")
	return out, nil
}

// handle updates an existing entry or adds a new one
func (s *Scanner) handle(obs device.Observation, f filter) {
	key := strings.ToUpper(obs.Address)

	s.mu.Lock()
	prev, existing := s.found.Get(key)
	if !existing && !f.accepts(obs) {
		s.mu.Unlock()
		return
	}
	if existing {
		// scan responses carry the name and services separately
		obs.Address = prev.Address
		obs.Connectable = obs.Connectable || prev.Connectable
		if obs.Name == "" {
			obs.Name = prev.Name
		}
		if len(obs.ServiceUUIDs) == 0 {
			obs.ServiceUUIDs = prev.ServiceUUIDs
		}
	}
	s.found.Set(key, obs)
	s.mu.Unlock()

	ev := Event{Type: EventUpdated, Observation: obs}
	if !existing {
		ev.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  obs.Name,
			"address": obs.Address,
			"rssi":    obs.RSSI,
		}).Info("Discovered new device")
	}
	s.events.Send(ev)
}

// Devices returns what the current or last scan found, in first-seen order
func (s *Scanner) Devices() []device.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.found == nil {
		return nil
	}
	out := make([]device.Observation, 0, s.found.Len())
	for pair := s.found.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Events returns a read-only channel of device events
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

type filter struct {
	all   bool
	allow map[string]bool
	block map[string]bool
}

func newFilter(opts *Options) filter {
	f := filter{all: opts.All, allow: set(opts.AllowList), block: set(opts.BlockList)}
	return f
}

func (f filter) accepts(obs device.Observation) bool {
	addr := strings.ToUpper(obs.Address)
	if f.block[addr] {
		return false
	}
	if len(f.allow) > 0 {
		return f.allow[addr]
	}
	return f.all || fireboard.Matches(obs)
}

func set(addrs []string) map[string]bool {
	m := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		m[strings.ToUpper(strings.TrimSpace(a))] = true
	}
	return m
}
