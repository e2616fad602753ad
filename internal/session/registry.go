package session

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/fireboard"
	"github.com/srg/fireble/internal/platform"
)

// ChannelSnapshot is a copy of one probe channel's state
type ChannelSnapshot struct {
	Channel    int            `json:"channel"`
	Temp       float64        `json:"temp"`
	Unit       fireboard.Unit `json:"unit"`
	DeviceTime string         `json:"device_time"`
	LastUpdate time.Time      `json:"last_update"`
	Available  bool           `json:"available"`
}

type channelEntry struct {
	state   ChannelSnapshot
	binding platform.Binding
}

// Registry maps probe channels to their exposed entities.
//
// Every mutation, including the host calls that expose or retract an
// entity, happens under one lock, so an entry is in the map exactly when
// its entity is exposed.
type Registry struct {
	mu       sync.Mutex
	address  string
	device   platform.DeviceInfo
	host     platform.Host
	stale    time.Duration
	channels map[int]*channelEntry
	logger   *logrus.Logger
	onEvent  func(Event)
}

// NewRegistry creates an empty registry for the device at address
func NewRegistry(address string, dev platform.DeviceInfo, host platform.Host, staleAfter time.Duration, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultTiming().StaleAfter
	}
	return &Registry{
		address:  address,
		device:   dev,
		host:     host,
		stale:    staleAfter,
		channels: make(map[int]*channelEntry),
		logger:   logger,
		onEvent:  func(Event) {},
	}
}

// Apply folds a decoded notification into the registry and reports
// whether a new entity was exposed.
func (r *Registry) Apply(msg fireboard.Message, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Kind {
	case fireboard.Remove:
		if e, ok := r.channels[msg.Channel]; ok {
			r.logger.WithFields(logrus.Fields{
				"address": r.address,
				"channel": msg.Channel,
			}).Warn("Probe unplugged, removing channel")
			r.removeLocked(e, now)
		}
		return false

	case fireboard.Reading:
		if e, ok := r.channels[msg.Channel]; ok {
			r.updateLocked(e, msg, now)
			return false
		}

		d := r.descriptor(msg)
		b, err := r.host.Expose(d)
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"address": r.address,
				"channel": msg.Channel,
			}).Error("Failed to expose probe entity")
			return false
		}

		r.logger.WithFields(logrus.Fields{
			"address": r.address,
			"channel": msg.Channel,
		}).Info("New probe detected")

		e := &channelEntry{binding: b, state: ChannelSnapshot{Channel: msg.Channel}}
		r.channels[msg.Channel] = e
		r.onEvent(Event{Kind: EventChannelAdded, Address: r.address, Channel: msg.Channel, At: now})
		r.updateLocked(e, msg, now)
		return true
	}
	return false
}

// Sweep retires every channel whose last reading is older than the
// staleness window and returns their ids in ascending order.
func (r *Registry) Sweep(now time.Time) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []int
	for ch, e := range r.channels {
		if now.Sub(e.state.LastUpdate) > r.stale {
			expired = append(expired, ch)
		}
	}
	sort.Ints(expired)

	for _, ch := range expired {
		e := r.channels[ch]
		r.logger.WithFields(logrus.Fields{
			"address": r.address,
			"channel": ch,
			"age":     now.Sub(e.state.LastUpdate).Truncate(time.Second),
			"timeout": r.stale,
		}).Warn("Probe timed out, removing channel")
		r.removeLocked(e, now)
	}
	return expired
}

// Get returns a copy of one channel
func (r *Registry) Get(channel int) (ChannelSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.channels[channel]
	if !ok {
		return ChannelSnapshot{}, false
	}
	return e.state, true
}

// Channels returns copies of all channels sorted by id
func (r *Registry) Channels() []ChannelSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelSnapshot, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Len returns the number of registered channels
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// MarkUnavailable flags every channel entity unavailable without retiring it.
// Leftover entities are purged on the next start.
func (r *Registry) MarkUnavailable() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.channels {
		e.state.Available = false
		e.binding.Push(r.state(e.state))
	}
}

// Reset retires every channel. A restarted session sees its probes again as
// new channels and exposes fresh entities for them.
func (r *Registry) Reset(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.channels {
		r.removeLocked(e, now)
	}
}

func (r *Registry) updateLocked(e *channelEntry, msg fireboard.Message, now time.Time) {
	e.state.Temp = msg.Temp
	e.state.Unit = msg.Unit
	e.state.DeviceTime = msg.Date
	e.state.LastUpdate = now
	e.state.Available = true
	e.binding.Push(r.state(e.state))
	r.onEvent(Event{Kind: EventReading, Address: r.address, Channel: msg.Channel, Temp: msg.Temp, Unit: msg.Unit, At: now})
}

// removeLocked marks the entity unavailable, deletes the entry and retracts the entity
func (r *Registry) removeLocked(e *channelEntry, now time.Time) {
	e.state.Available = false
	e.binding.Push(r.state(e.state))
	delete(r.channels, e.state.Channel)
	r.unbind(e.binding)
	r.onEvent(Event{Kind: EventChannelRemoved, Address: r.address, Channel: e.state.Channel, At: now})
}

// unbind deletes the entity through the host registry when it has a
// record of it, falling back to the entity's own removal otherwise.
func (r *Registry) unbind(b platform.Binding) {
	id := b.UniqueID()
	if _, ok := r.host.Lookup(id); ok {
		err := r.host.Remove(id)
		if err == nil {
			return
		}
		r.logger.WithError(err).WithField("unique_id", id).Warn("Registry removal failed, detaching entity")
	}

	if err := b.Detach(); err != nil {
		r.logger.WithError(err).WithField("unique_id", id).Error("Failed to detach entity")
	}
}

func (r *Registry) descriptor(msg fireboard.Message) platform.Descriptor {
	return platform.Descriptor{
		UniqueID:    fireboard.EntityID(r.address, fireboard.ChannelRole(msg.Channel)),
		Name:        fireboard.ChannelName(msg.Channel),
		DeviceClass: "temperature",
		StateClass:  "measurement",
		Unit:        msg.Unit.String(),
		Icon:        "mdi:thermometer",
		Device:      r.device,
	}
}

func (r *Registry) state(s ChannelSnapshot) platform.State {
	return platform.State{
		Value:      s.Temp,
		Unit:       s.Unit.String(),
		Available:  s.Available,
		Attributes: map[string]string{"device_time": s.DeviceTime},
	}
}
