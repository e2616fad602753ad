// Package platform is the smart-home side of the bridge: a registry of
// sensor entities that sessions create, update and retire at runtime.
package platform

import (
	"errors"
	"fmt"
	"time"
)

// Category groups entities in the host UI
type Category string

const (
	CategoryPrimary    Category = ""
	CategoryDiagnostic Category = "diagnostic"
)

// DeviceInfo describes the physical device an entity belongs to
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// Descriptor is the static definition of an entity
type Descriptor struct {
	UniqueID    string     `json:"unique_id"`
	Name        string     `json:"name"`
	DeviceClass string     `json:"device_class,omitempty"`
	StateClass  string     `json:"state_class,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	Category    Category   `json:"category,omitempty"`
	Device      DeviceInfo `json:"device"`
}

// State is the dynamic part of an entity. A nil Value means unknown.
// A non-empty Unit overrides the descriptor unit.
type State struct {
	Value      any               `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Record is what the host registry knows about one exposed entity
type Record struct {
	Descriptor Descriptor `json:"descriptor"`
	State      State      `json:"state"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Binding is the handle a session keeps for an exposed entity.
type Binding interface {
	UniqueID() string

	// Push publishes a new state. Pushes after removal are dropped.
	Push(State)

	// Detach removes the entity through its own handle, for cases where
	// the registry has no record of it.
	Detach() error
}

// Host is the entity registry of the smart-home platform.
type Host interface {
	Expose(Descriptor) (Binding, error)
	Lookup(uniqueID string) (Record, bool)
	Remove(uniqueID string) error
	Records() []Record
}

// ErrNotFound is returned when removing an entity the registry does not hold
var ErrNotFound = errors.New("entity not found")

// ErrInvalidDescriptor is returned by Expose for descriptors without identity
var ErrInvalidDescriptor = errors.New("invalid entity descriptor")

func validate(d Descriptor) error {
	if d.UniqueID == "" {
		return fmt.Errorf("%w: empty unique id", ErrInvalidDescriptor)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: %s has no name", ErrInvalidDescriptor, d.UniqueID)
	}
	return nil
}

// EffectiveUnit returns the unit an entity currently reports
func (r Record) EffectiveUnit() string {
	if r.State.Unit != "" {
		return r.State.Unit
	}
	return r.Descriptor.Unit
}
