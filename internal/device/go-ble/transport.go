package goble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/groutine"
)

const (
	// DefaultPresenceWindow is how long an advertisement keeps a device reachable
	DefaultPresenceWindow = 30 * time.Second

	// DefaultSource names the local adapter in observations
	DefaultSource = "local"

	defaultRestartDelay = 2 * time.Second
)

// Options configures a Transport
type Options struct {
	Source         string
	PresenceWindow time.Duration
}

type scanFunc func(ctx context.Context, allowDup bool, handler func(device.Observation)) error
type dialFunc func(ctx context.Context, address string) (gattClient, error)

type watcher struct {
	address string
	fn      func(device.Observation)
}

// Transport is a device.Transport backed by the host radio.
//
// A background scan keeps the latest observation of every address seen;
// Lookup answers from that cache, so reachability means "advertised as
// connectable within the presence window".
type Transport struct {
	opts         Options
	logger       *logrus.Logger
	scan         scanFunc
	dial         dialFunc
	now          func() time.Time
	restartDelay time.Duration

	seen     *hashmap.Map[string, device.Observation]
	watchers *hashmap.Map[uint64, watcher]
	profiles *hashmap.Map[string, *ble.Profile]
	nextID   atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	group  groutine.Group
}

var _ device.Transport = (*Transport)(nil)

// NewTransport opens the host radio
func NewTransport(opts Options, logger *logrus.Logger) (*Transport, error) {
	opts = opts.withDefaults()
	sc, err := NewScanner(opts.Source)
	if err != nil {
		return nil, fmt.Errorf("open bluetooth adapter: %w", err)
	}
	return newTransport(opts, logger, sc.Scan, sc.dial), nil
}

func newTransport(opts Options, logger *logrus.Logger, scan scanFunc, dial dialFunc) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		opts:         opts.withDefaults(),
		logger:       logger,
		scan:         scan,
		dial:         dial,
		now:          time.Now,
		restartDelay: defaultRestartDelay,
		seen:         hashmap.New[string, device.Observation](),
		watchers:     hashmap.New[uint64, watcher](),
		profiles:     hashmap.New[string, *ble.Profile](),
	}
}

func (o Options) withDefaults() Options {
	if o.Source == "" {
		o.Source = DefaultSource
	}
	if o.PresenceWindow <= 0 {
		o.PresenceWindow = DefaultPresenceWindow
	}
	return o
}

// Start runs the background scan until ctx ends or Stop is called
func (t *Transport) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.group.Go(runCtx, "ble-scan", t.scanLoop)
	t.logger.WithField("source", t.opts.Source).Info("Starting BLE scan...")
}

// Stop ends the background scan and waits for it to return
func (t *Transport) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	t.group.Wait()
	t.logger.Info("BLE scan stopped")
}

// scanLoop restarts the scan whenever the radio ends it early
func (t *Transport) scanLoop(ctx context.Context) {
	for {
		err := t.scan(ctx, true, t.ingest)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			t.logger.WithError(err).WithField("retry_in", t.restartDelay).Warn("BLE scan failed, restarting")
		} else {
			t.logger.Debug("BLE scan ended, restarting")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.restartDelay):
		}
	}
}

// ingest records an observation and fans it out to watchers of its address
func (t *Transport) ingest(obs device.Observation) {
	obs.Address = normalizeAddress(obs.Address)
	if obs.Address == "" {
		return
	}
	if obs.Source == "" {
		obs.Source = t.opts.Source
	}
	if obs.SeenAt.IsZero() {
		obs.SeenAt = t.now()
	}

	// scan responses carry neither the name nor the connectable flag
	if prev, ok := t.seen.Get(obs.Address); ok && obs.SeenAt.Sub(prev.SeenAt) <= t.opts.PresenceWindow {
		if obs.Name == "" {
			obs.Name = prev.Name
		}
		if len(obs.ServiceUUIDs) == 0 {
			obs.ServiceUUIDs = prev.ServiceUUIDs
		}
		obs.Connectable = obs.Connectable || prev.Connectable
	}
	t.seen.Set(obs.Address, obs)

	t.watchers.Range(func(_ uint64, w watcher) bool {
		if w.address == obs.Address {
			w.fn(obs)
		}
		return true
	})
}

// Lookup reports a peer advertised as connectable within the presence window
func (t *Transport) Lookup(address string) (device.Peer, bool) {
	obs, ok := t.seen.Get(normalizeAddress(address))
	if !ok || !obs.Connectable || t.now().Sub(obs.SeenAt) > t.opts.PresenceWindow {
		return device.Peer{}, false
	}
	return device.Peer{Address: obs.Address, Source: obs.Source}, true
}

// Watch calls fn for every advertisement seen from address
func (t *Transport) Watch(address string, fn func(device.Observation)) func() {
	id := t.nextID.Add(1)
	t.watchers.Set(id, watcher{address: normalizeAddress(address), fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { t.watchers.Del(id) })
	}
}

// Seen returns the latest observation of every address, strongest signal first
func (t *Transport) Seen() []device.Observation {
	out := make([]device.Observation, 0, t.seen.Len())
	t.seen.Range(func(_ string, obs device.Observation) bool {
		out = append(out, obs)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Connect dials the peer and resolves its GATT profile. The profile found
// on the first connection is reused for later dials of the same address
// until the link reports it stale.
func (t *Transport) Connect(ctx context.Context, peer device.Peer, onDisconnect func()) (device.Link, error) {
	address := normalizeAddress(peer.Address)
	if address == "" {
		return nil, fmt.Errorf("device address is empty")
	}

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"source":  peer.Source,
	}).Info("Connecting to BLE device...")

	client, err := t.dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, device.NormalizeError(err))
	}

	profile, cached := t.profiles.Get(address)
	if !cached {
		profile, err = client.DiscoverProfile(true)
		if err != nil {
			if cancelErr := client.CancelConnection(); cancelErr != nil {
				t.logger.WithError(cancelErr).Warn("Failed to cancel connection during profile discovery failure")
			}
			return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
		}
		t.profiles.Set(address, profile)
	}

	l := newLink(address, client, profile, onDisconnect, t.logger)
	l.onStale = func() { t.forgetProfile(address) }
	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(l.chars),
		"cached_profile":  cached,
	}).Info("BLE device connected successfully")
	return l, nil
}

func (t *Transport) forgetProfile(address string) {
	if t.profiles.Del(address) {
		t.logger.WithField("address", address).Debug("Dropped cached GATT profile")
	}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}
