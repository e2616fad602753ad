// Package session runs one FireBoard hub: the connection loop, the
// notification path into the channel registry, the staleness watchdog
// and the auxiliary diagnostic sensors.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/groutine"
	"github.com/srg/fireble/internal/mqtt"
	"github.com/srg/fireble/internal/platform"
	"github.com/srg/fireble/internal/ringchan"
)

// Config is the per-device configuration, fixed for the lifetime of a Manager
type Config struct {
	Address       string
	Name          string // defaults to fireboard.DisplayName
	BaseTopic     string // defaults to fireboard.BaseTopic
	EnablePublish bool
	Timing        Timing
}

// Snapshot is a point-in-time copy of a session for readers
type Snapshot struct {
	Address     string            `json:"address"`
	Name        string            `json:"name"`
	Running     bool              `json:"running"`
	State       ConnState         `json:"state"`
	Status      string            `json:"status"`
	RSSI        *int              `json:"rssi"`
	Source      string            `json:"source"`
	LastError   string            `json:"last_error,omitempty"`
	Channels    []ChannelSnapshot `json:"channels"`
	Transitions []Transition      `json:"transitions"`
}

// Option customises a Manager
type Option func(*Manager)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPublisher enables republishing readings through pub
func WithPublisher(pub mqtt.Publisher) Option {
	return func(m *Manager) { m.pub = pub }
}

// WithLogger sets the logger
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager owns one device session.
type Manager struct {
	cfg       Config
	transport device.Transport
	host      platform.Host
	pub       mqtt.Publisher
	clock     Clock
	logger    *logrus.Logger
	device    platform.DeviceInfo

	registry *Registry
	rssi     *RSSISensor
	status   *StatusSensor
	source   *SourceSensor
	events   *ringchan.RingChannel[Event]

	mu       sync.Mutex
	running  bool
	state    ConnState
	trail    []Transition
	lastErr  error
	cancel   context.CancelFunc
	unwatch  func()
	group    groutine.Group
	connLost chan struct{}

	// owned by the loop goroutine
	link device.Link
	peer device.Peer
}

// New creates a stopped session for cfg.Address
func New(cfg Config, transport device.Transport, host platform.Host, opts ...Option) (*Manager, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	if transport == nil || host == nil {
		return nil, fmt.Errorf("session %s: transport and host are required", cfg.Address)
	}
	if cfg.Name == "" {
		cfg.Name = fireboard.DisplayName(cfg.Address)
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = fireboard.BaseTopic(cfg.Address)
	}
	cfg.Timing = cfg.Timing.withDefaults()

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		host:      host,
		clock:     realClock{},
		logger:    logrus.New(),
		rssi:      &RSSISensor{},
		status:    newStatusSensor(),
		source:    newSourceSensor(),
		events:    ringchan.New[Event](64),
		state:     StateScanning,
		connLost:  make(chan struct{}, 1),
		device: platform.DeviceInfo{
			Identifiers:      []string{cfg.Address},
			Name:             cfg.Name,
			Manufacturer:     fireboard.Manufacturer,
			Model:            cfg.Address,
			ConfigurationURL: fireboard.ConfigurationURL,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logrus.New()
	}

	m.registry = NewRegistry(cfg.Address, m.device, host, cfg.Timing.StaleAfter, m.logger)
	m.registry.onEvent = m.emit
	return m, nil
}

// Address returns the device address
func (m *Manager) Address() string { return m.cfg.Address }

// Registry returns the channel registry
func (m *Manager) Registry() *Registry { return m.registry }

// Events returns the event feed. Old events are dropped when nobody reads.
func (m *Manager) Events() <-chan Event { return m.events.C() }

// Start retires the channels of a previous run, purges channel entities the
// host still holds for this device, exposes the diagnostic sensors and starts
// the connection loop and the watchdog.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	m.registry.Reset(m.clock.Now())
	m.purgeStaleChannels()
	if err := m.exposeDiagnostics(); err != nil {
		return err
	}

	m.unwatch = m.transport.Watch(m.cfg.Address, m.onAdvertisement)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.state = StateScanning

	m.group.Go(runCtx, "session-loop-"+m.cfg.Address, m.run)
	m.group.Go(runCtx, "session-watchdog-"+m.cfg.Address, m.watchdog)

	m.logger.WithFields(logrus.Fields{
		"address": m.cfg.Address,
		"name":    m.cfg.Name,
		"publish": m.cfg.EnablePublish,
	}).Info("Session started")
	return nil
}

// Stop cancels the loop and the watchdog, releases the advertisement
// subscription and waits for both goroutines. Safe to call when stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, unwatch := m.cancel, m.unwatch
	m.cancel, m.unwatch = nil, nil
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	cancel()
	m.group.Wait()

	m.registry.MarkUnavailable()
	m.logger.WithField("address", m.cfg.Address).Info("Session stopped")
}

// Running reports whether the session is started
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// State returns the current connection loop state
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current status text
func (m *Manager) Status() string { return m.status.Value() }

// Snapshot returns a copy of the session state
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	s := Snapshot{
		Address:     m.cfg.Address,
		Name:        m.cfg.Name,
		Running:     m.running,
		State:       m.state,
		Transitions: append([]Transition(nil), m.trail...),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	m.mu.Unlock()

	s.Status = m.status.Value()
	s.Source = m.source.Value()
	if v, ok := m.rssi.Value(); ok {
		s.RSSI = &v
	}
	s.Channels = m.registry.Channels()
	return s
}

// HandleNotification processes one data characteristic payload
func (m *Manager) HandleNotification(payload []byte) {
	msg, err := fireboard.Decode(payload)
	if err != nil {
		m.logger.WithError(err).WithField("address", m.cfg.Address).Debug("Discarding malformed notification")
		return
	}
	if msg.Kind == fireboard.NoOp {
		return
	}

	m.registry.Apply(msg, m.clock.Now())
	m.republish(msg)
}

func (m *Manager) republish(msg fireboard.Message) {
	if !m.cfg.EnablePublish || m.pub == nil || !msg.HasTemp || !m.pub.Available() {
		return
	}

	topic := fireboard.Topic(m.cfg.BaseTopic, msg.Channel)
	if err := m.pub.Publish(topic, []byte(msg.RawTemp), false); err != nil {
		m.logger.WithError(err).WithField("topic", topic).Debug("Republish failed")
	}
}

func (m *Manager) onAdvertisement(obs device.Observation) {
	m.rssi.Update(obs.RSSI)
	if obs.Source != "" {
		m.source.Update(obs.Source)
	}
}

func (m *Manager) onDisconnect() {
	m.setStatus(StatusDisconnected)
	m.logger.WithField("address", m.cfg.Address).Warn("Device disconnected")

	select {
	case m.connLost <- struct{}{}:
	default:
	}
}

func (m *Manager) watchdog(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.Timing.SweepInterval):
			m.registry.Sweep(m.clock.Now())
		}
	}
}

// purgeStaleChannels must be called with m.mu held
func (m *Manager) purgeStaleChannels() {
	prefix := fireboard.EntityID(m.cfg.Address, "")
	for _, r := range m.host.Records() {
		id := r.Descriptor.UniqueID
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if _, ok := fireboard.ParseChannelRole(strings.TrimPrefix(id, prefix)); !ok {
			continue
		}
		if err := m.host.Remove(id); err != nil {
			m.logger.WithError(err).WithField("unique_id", id).Warn("Cleanup of stale channel entity failed")
			continue
		}
		m.logger.WithField("unique_id", id).Debug("Removed stale channel entity")
	}
}

// exposeDiagnostics must be called with m.mu held
func (m *Manager) exposeDiagnostics() error {
	if m.status.binding != nil {
		return nil
	}

	rb, err := m.host.Expose(rssiDescriptor(m.cfg.Address, m.device))
	if err != nil {
		return fmt.Errorf("expose rssi sensor: %w", err)
	}
	sb, err := m.host.Expose(statusDescriptor(m.cfg.Address, m.device))
	if err != nil {
		return fmt.Errorf("expose status sensor: %w", err)
	}
	srcb, err := m.host.Expose(sourceDescriptor(m.cfg.Address, m.device))
	if err != nil {
		return fmt.Errorf("expose source sensor: %w", err)
	}

	m.rssi.bind(rb, m.rssi.current())
	m.status.bind(sb, m.status.Value())
	m.source.bind(srcb, m.source.Value())
	return nil
}

func (m *Manager) setStatus(status string) {
	if m.status.Update(status) {
		m.emit(Event{Kind: EventStateChanged, Address: m.cfg.Address, State: m.State(), Status: status, At: m.clock.Now()})
	}
}

func (m *Manager) enter(next ConnState) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.trail = append(m.trail, Transition{From: prev, To: next, At: m.clock.Now()})
	if len(m.trail) > trailSize {
		m.trail = m.trail[len(m.trail)-trailSize:]
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": m.cfg.Address,
		"from":    prev,
		"to":      next,
	}).Debug("Connection state changed")
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *Manager) emit(e Event) {
	m.events.Send(e)
}

// sleep waits d on the session clock; it returns false when ctx ends first
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(d):
		return true
	}
}
