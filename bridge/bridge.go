// Package bridge runs every configured FireBoard session over one radio and
// one entity host, and fans their events into a single feed.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	goble "github.com/srg/fireble/internal/device/go-ble"
	"github.com/srg/fireble/internal/groutine"
	"github.com/srg/fireble/internal/mqtt"
	"github.com/srg/fireble/internal/platform"
	"github.com/srg/fireble/internal/ringchan"
	"github.com/srg/fireble/internal/session"
	"github.com/srg/fireble/pkg/config"
)

// DefaultEventBufferSize bounds the merged event feed
const DefaultEventBufferSize = 256

// discoverySyncWindow is how long retained discovery configs are collected on start
const discoverySyncWindow = 2 * time.Second

// Radio is the transport shared by all sessions
type Radio interface {
	device.Transport
	Start(ctx context.Context)
	Stop()
	Seen() []device.Observation
}

// ProgressCallback is called when the bridge phase changes
type ProgressCallback func(phase string)

// Callback is executed with the running bridge
type Callback[R any] func(*Bridge) (R, error)

// Bridge owns the sessions of all configured devices
type Bridge struct {
	radio    Radio
	host     platform.Host
	logger   *logrus.Logger
	order    []string
	sessions *hashmap.Map[string, *session.Manager]
	events   *ringchan.RingChannel[session.Event]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   groutine.Group
}

// New creates one stopped session per configured device
func New(cfg *config.Config, radio Radio, host platform.Host, pub mqtt.Publisher, logger *logrus.Logger) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("failed to create bridge: config is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	b := &Bridge{
		radio:    radio,
		host:     host,
		logger:   logger,
		sessions: hashmap.New[string, *session.Manager](),
		events:   ringchan.New[session.Event](DefaultEventBufferSize),
	}

	opts := []session.Option{session.WithLogger(logger)}
	if pub != nil {
		opts = append(opts, session.WithPublisher(pub))
	}

	for _, d := range cfg.Devices {
		m, err := session.New(session.Config{
			Address:       key(d.Address),
			Name:          d.Name,
			BaseTopic:     d.BaseTopic,
			EnablePublish: d.Publish,
			Timing:        cfg.SessionTiming(),
		}, radio, host, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create session for %s: %w", d.Address, err)
		}
		if _, loaded := b.sessions.GetOrInsert(key(d.Address), m); loaded {
			return nil, fmt.Errorf("failed to create bridge: duplicate device %s", d.Address)
		}
		b.order = append(b.order, key(d.Address))
	}
	return b, nil
}

// Start starts the radio and every session
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return session.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.radio.Start(runCtx)

	for i, addr := range b.order {
		m, _ := b.sessions.Get(addr)
		if err := m.Start(runCtx); err != nil {
			for _, started := range b.order[:i] {
				s, _ := b.sessions.Get(started)
				s.Stop()
			}
			cancel()
			b.radio.Stop()
			return fmt.Errorf("failed to start session %s: %w", addr, err)
		}
		b.group.Go(runCtx, "bridge-events-"+addr, func(ctx context.Context) { b.forward(ctx, m) })
	}

	b.cancel = cancel
	b.running = true
	b.logger.WithField("devices", len(b.order)).Info("Bridge started")
	return nil
}

// Stop stops every session, then the radio
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	for i := len(b.order) - 1; i >= 0; i-- {
		m, _ := b.sessions.Get(b.order[i])
		m.Stop()
	}
	cancel()
	b.group.Wait()
	b.radio.Stop()
	b.logger.Info("Bridge stopped")
}

func (b *Bridge) forward(ctx context.Context, m *session.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.Events():
			b.events.Send(ev)
		}
	}
}

// Events returns the merged event feed of all sessions
func (b *Bridge) Events() <-chan session.Event { return b.events.C() }

// Sessions returns a snapshot of every session in configuration order
func (b *Bridge) Sessions() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(b.order))
	for _, addr := range b.order {
		m, _ := b.sessions.Get(addr)
		out = append(out, m.Snapshot())
	}
	return out
}

// Session returns the snapshot of the session for address
func (b *Bridge) Session(address string) (session.Snapshot, bool) {
	m, ok := b.sessions.Get(key(address))
	if !ok {
		return session.Snapshot{}, false
	}
	return m.Snapshot(), true
}

// Devices returns what the radio currently sees
func (b *Bridge) Devices() []device.Observation { return b.radio.Seen() }

// Entities returns every entity the host holds
func (b *Bridge) Entities() []platform.Record { return b.host.Records() }

func key(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Options contains all the configuration for running a bridge
type Options struct {
	Config *config.Config
	Logger *logrus.Logger
}

// Run opens the radio and the broker, starts the bridge and executes the
// callback with it. Everything is released when the callback returns.
func Run[R any](ctx context.Context, opts *Options, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R

	if opts == nil || opts.Config == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if progress == nil {
		progress = func(string) {}
	}

	var (
		client *mqtt.Client
		b      *Bridge
	)
	defer func() {
		if b != nil {
			b.Stop()
		}
		if client != nil {
			client.Close()
		}
	}()

	progress("Opening Bluetooth adapter")
	radio, err := goble.NewTransport(goble.Options{
		Source:         cfg.Adapter.Source,
		PresenceWindow: cfg.Adapter.PresenceWindow,
	}, logger)
	if err != nil {
		return zero, err
	}

	var host platform.Host = platform.NewMemory()
	var pub mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		progress("Connecting to MQTT broker")
		client, err = mqtt.NewClient(mqtt.Options{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			QueueSize:      uint32(cfg.MQTT.QueueSize),
		}, logger)
		if err != nil {
			return zero, err
		}
		if err := client.Connect(ctx); err != nil {
			return zero, err
		}
		pub = client

		if cfg.MQTT.Discovery {
			disc := platform.NewDiscovery(client, cfg.MQTT.DiscoveryPrefix, cfg.MQTT.StateRoot, logger)
			progress("Collecting retained entities")
			if n, err := disc.Sync(ctx, client, "fireboard_", discoverySyncWindow); err != nil {
				logger.WithError(err).Warn("Discovery sync failed, stale entities may remain")
			} else {
				logger.WithField("entities", n).Debug("Adopted retained entities")
			}
			client.OnReconnect(disc.Republish)
			host = platform.NewTee(logger, host, disc)
		}
	}

	b, err = New(cfg, radio, host, pub, logger)
	if err != nil {
		return zero, err
	}

	progress("Starting sessions")
	if err := b.Start(ctx); err != nil {
		b = nil
		return zero, err
	}

	progress("Running")
	return callback(b)
}
