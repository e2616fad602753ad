package session

import (
	"time"

	"github.com/srg/fireble/internal/fireboard"
)

// EventKind classifies session events
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventChannelAdded
	EventChannelRemoved
	EventReading
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventChannelAdded:
		return "channel_added"
	case EventChannelRemoved:
		return "channel_removed"
	case EventReading:
		return "reading"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a notable change in a session, delivered on Manager.Events.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Address string         `json:"address"`
	Channel int            `json:"channel,omitempty"`
	Temp    float64        `json:"temp,omitempty"`
	Unit    fireboard.Unit `json:"unit,omitempty"`
	State   ConnState      `json:"state,omitempty"`
	Status  string         `json:"status,omitempty"`
	At      time.Time      `json:"at"`
}

// Transition is one entry of the state trail
type Transition struct {
	From ConnState `json:"from"`
	To   ConnState `json:"to"`
	At   time.Time `json:"at"`
}

const trailSize = 32
