package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/fireble/internal/mqtt"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultStateRoot       = "fireble"
)

// Discovery exposes entities through Home Assistant MQTT discovery.
//
// Expose publishes a retained config message to
// <prefix>/sensor/<node_id>/<object_id>/config, Push publishes retained
// state, availability and attributes below <root>/<node_id>/<object_id>,
// and Remove retracts the entity by publishing an empty retained config.
type Discovery struct {
	pub       mqtt.Publisher
	prefix    string
	stateRoot string
	logger    *logrus.Logger

	mu       sync.RWMutex
	entities map[string]*discoveryEntry
	gen      uint64
}

type discoveryEntry struct {
	record     Record
	gen        uint64
	configUnit string
	adopted    bool // learned from a retained config, not exposed by this process
	pushed     bool
}

type availability struct {
	Topic string `json:"topic"`
}

type discoveryConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	ObjectID            string         `json:"object_id"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	Availability        []availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	Unit                string         `json:"unit_of_measurement,omitempty"`
	Icon                string         `json:"icon,omitempty"`
	EntityCategory      Category       `json:"entity_category,omitempty"`
	Device              DeviceInfo     `json:"device"`
}

// NewDiscovery creates a discovery host publishing through pub.
// Empty prefix and stateRoot select the defaults.
func NewDiscovery(pub mqtt.Publisher, prefix, stateRoot string, logger *logrus.Logger) *Discovery {
	if prefix == "" {
		prefix = DefaultDiscoveryPrefix
	}
	if stateRoot == "" {
		stateRoot = DefaultStateRoot
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Discovery{
		pub:       pub,
		prefix:    prefix,
		stateRoot: stateRoot,
		logger:    logger,
		entities:  make(map[string]*discoveryEntry),
	}
}

// Expose publishes the discovery config of the entity
func (h *Discovery) Expose(d Descriptor) (Binding, error) {
	if err := validate(d); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.publishConfig(d, d.Unit); err != nil {
		return nil, err
	}

	h.gen++
	h.entities[d.UniqueID] = &discoveryEntry{
		record:     Record{Descriptor: d, UpdatedAt: time.Now()},
		gen:        h.gen,
		configUnit: d.Unit,
	}
	return &discoveryBinding{host: h, id: d.UniqueID, gen: h.gen}, nil
}

// Lookup returns the record of an exposed or adopted entity
func (h *Discovery) Lookup(uniqueID string) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.entities[uniqueID]
	if !ok {
		return Record{}, false
	}
	return e.record, true
}

// Remove retracts the entity from the platform
func (h *Discovery) Remove(uniqueID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entities[uniqueID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, uniqueID)
	}
	return h.retract(e)
}

// Records returns all known entities sorted by unique id
func (h *Discovery) Records() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Record, 0, len(h.entities))
	for _, e := range h.entities {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.UniqueID < out[j].Descriptor.UniqueID
	})
	return out
}

// Sync adopts entities left behind by a previous run: it collects the
// retained sensor configs on the broker whose unique id starts with
// idPrefix, so that they can be looked up and removed. It listens for
// window or until ctx is done.
func (h *Discovery) Sync(ctx context.Context, sub mqtt.Subscriber, idPrefix string, window time.Duration) (int, error) {
	filter := fmt.Sprintf("%s/sensor/+/+/config", h.prefix)

	var (
		mu      sync.Mutex
		adopted int
	)
	unsubscribe, err := sub.Subscribe(filter, func(topic string, payload []byte) {
		if len(payload) == 0 {
			return
		}
		var cfg discoveryConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			h.logger.WithField("topic", topic).Debug("Ignoring unparsable discovery config")
			return
		}
		if !strings.HasPrefix(cfg.UniqueID, idPrefix) {
			return
		}
		if h.adopt(cfg) {
			mu.Lock()
			adopted++
			mu.Unlock()
		}
	})
	if err != nil {
		return 0, fmt.Errorf("discovery sync: %w", err)
	}
	defer unsubscribe()

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	mu.Lock()
	defer mu.Unlock()
	h.logger.WithFields(logrus.Fields{
		"prefix":  h.prefix,
		"adopted": adopted,
	}).Debug("Discovery sync finished")
	return adopted, nil
}

func (h *Discovery) adopt(cfg discoveryConfig) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.entities[cfg.UniqueID]; ok {
		return false
	}
	h.entities[cfg.UniqueID] = &discoveryEntry{
		record: Record{
			Descriptor: Descriptor{
				UniqueID:    cfg.UniqueID,
				Name:        cfg.Name,
				DeviceClass: cfg.DeviceClass,
				StateClass:  cfg.StateClass,
				Unit:        cfg.Unit,
				Icon:        cfg.Icon,
				Category:    cfg.EntityCategory,
				Device:      cfg.Device,
			},
			UpdatedAt: time.Now(),
		},
		configUnit: cfg.Unit,
		adopted:    true,
	}
	return true
}

func (h *Discovery) push(id string, gen uint64, s State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entities[id]
	if !ok || e.gen != gen {
		return
	}
	e.record.State = s
	e.record.UpdatedAt = time.Now()
	e.pushed = true

	d := e.record.Descriptor
	if unit := e.record.EffectiveUnit(); unit != e.configUnit {
		if err := h.publishConfig(d, unit); err != nil {
			h.logger.WithError(err).WithField("unique_id", id).Warn("Failed to republish discovery config")
		} else {
			e.configUnit = unit
		}
	}

	h.publishState(d, s)
}

// Republish publishes again the config and the last state of every entity
// this process exposed. A broker that restarted without persistence has
// lost them.
func (h *Discovery) Republish() {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.entities))
	for id, e := range h.entities {
		if !e.adopted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		e := h.entities[id]
		if err := h.publishConfig(e.record.Descriptor, e.configUnit); err != nil {
			h.logger.WithError(err).WithField("unique_id", id).Warn("Failed to republish discovery config")
			continue
		}
		if e.pushed {
			h.publishState(e.record.Descriptor, e.record.State)
		}
	}
	h.logger.WithField("entities", len(ids)).Debug("Republished discovery entities")
}

// publishState must be called with h.mu held
func (h *Discovery) publishState(d Descriptor, s State) {
	base := h.entityBase(d)
	availabilityPayload := mqtt.PayloadOffline
	if s.Available {
		availabilityPayload = mqtt.PayloadOnline
	}
	h.publish(base+"/availability", []byte(availabilityPayload), true)
	h.publish(base+"/state", []byte(formatValue(s.Value)), true)

	if len(s.Attributes) > 0 {
		attrs, err := json.Marshal(s.Attributes)
		if err == nil {
			h.publish(base+"/attributes", attrs, true)
		}
	}
}

func (h *Discovery) detach(id string, gen uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	e, ok := h.entities[id]
	if !ok || e.gen != gen {
		return nil
	}
	return h.retract(e)
}

// retract must be called with h.mu held
func (h *Discovery) retract(e *discoveryEntry) error {
	d := e.record.Descriptor
	delete(h.entities, d.UniqueID)

	if err := h.pub.Publish(h.configTopic(d), nil, true); err != nil {
		return fmt.Errorf("retract %s: %w", d.UniqueID, err)
	}
	if !e.adopted {
		h.publish(h.entityBase(d)+"/availability", []byte(mqtt.PayloadOffline), true)
	}
	return nil
}

// publishConfig must be called with h.mu held
func (h *Discovery) publishConfig(d Descriptor, unit string) error {
	base := h.entityBase(d)
	cfg := discoveryConfig{
		Name:                d.Name,
		UniqueID:            d.UniqueID,
		ObjectID:            objectID(d.UniqueID),
		StateTopic:          base + "/state",
		JSONAttributesTopic: base + "/attributes",
		Availability: []availability{
			{Topic: base + "/availability"},
			{Topic: mqtt.BridgeAvailabilityTopic},
		},
		AvailabilityMode: "all",
		DeviceClass:      d.DeviceClass,
		StateClass:       d.StateClass,
		Unit:             unit,
		Icon:             d.Icon,
		EntityCategory:   d.Category,
		Device:           d.Device,
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode discovery config for %s: %w", d.UniqueID, err)
	}
	if err := h.pub.Publish(h.configTopic(d), payload, true); err != nil {
		return fmt.Errorf("publish discovery config for %s: %w", d.UniqueID, err)
	}
	return nil
}

func (h *Discovery) publish(topic string, payload []byte, retain bool) {
	if err := h.pub.Publish(topic, payload, retain); err != nil {
		h.logger.WithError(err).WithField("topic", topic).Debug("Discovery publish failed")
	}
}

func (h *Discovery) configTopic(d Descriptor) string {
	return fmt.Sprintf("%s/sensor/%s/%s/config", h.prefix, nodeID(d), objectID(d.UniqueID))
}

func (h *Discovery) entityBase(d Descriptor) string {
	return fmt.Sprintf("%s/%s/%s", h.stateRoot, nodeID(d), objectID(d.UniqueID))
}

func nodeID(d Descriptor) string {
	if len(d.Device.Identifiers) > 0 && d.Device.Identifiers[0] != "" {
		return sanitizeTopicID(d.Device.Identifiers[0])
	}
	return DefaultStateRoot
}

func objectID(uniqueID string) string {
	return sanitizeTopicID(uniqueID)
}

// sanitizeTopicID keeps [a-z0-9_-] and maps everything else to '_'
func sanitizeTopicID(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func formatValue(v any) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprint(v)
}

type discoveryBinding struct {
	host *Discovery
	id   string
	gen  uint64
}

func (b *discoveryBinding) UniqueID() string { return b.id }
func (b *discoveryBinding) Push(s State)     { b.host.push(b.id, b.gen, s) }
func (b *discoveryBinding) Detach() error    { return b.host.detach(b.id, b.gen) }
