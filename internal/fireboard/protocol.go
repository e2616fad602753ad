package fireboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// GATT attributes of the FireBoard streaming interface
const (
	// DataCharUUID notifies one JSON reading per payload. The hub also
	// advertises it as a service UUID, which is what discovery keys on.
	DataCharUUID = "c2f780ec-45e1-452b-a879-327e3140d1f1"

	// ControlCharUUID starts the stream when StartStreaming is written to it.
	ControlCharUUID = "c2f780ec-45e1-452b-a879-327e3140d1e8"
)

// StartStreaming is written once per connection to the control characteristic.
var StartStreaming = []byte{0x01}

// Defaults applied to absent payload fields
const (
	DefaultDate       = "Unknown"
	DefaultDegreeType = 2
)

// Unit is the temperature scale of a reading
type Unit int

const (
	Fahrenheit Unit = iota
	Celsius
)

// UnitFromDegreeType maps the hub's degree-type code. Only 1 means Celsius.
func UnitFromDegreeType(code int) Unit {
	if code == 1 {
		return Celsius
	}
	return Fahrenheit
}

// String returns the unit of measurement symbol
func (u Unit) String() string {
	if u == Celsius {
		return "°C"
	}
	return "°F"
}

// MarshalText encodes the unit as its symbol
func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// Kind classifies a decoded notification
type Kind int

const (
	// NoOp payloads carry no channel and are ignored.
	NoOp Kind = iota
	// Remove signals that the probe on Channel was unplugged.
	Remove
	// Reading carries a valid temperature for Channel.
	Reading
)

func (k Kind) String() string {
	switch k {
	case Remove:
		return "remove"
	case Reading:
		return "reading"
	default:
		return "noop"
	}
}

// Message is one decoded notification
type Message struct {
	Kind    Kind
	Channel int

	// Temp is meaningful when HasTemp is set. RawTemp keeps the number as
	// it appeared on the wire and is what gets republished.
	Temp    float64
	RawTemp string
	HasTemp bool

	Unit Unit
	Date string
}

// ErrInvalidUTF8 is wrapped by DecodeError for payloads that are not UTF-8 text
var ErrInvalidUTF8 = errors.New("payload is not valid UTF-8")

// ErrNegativeChannel is wrapped by DecodeError for channel numbers below 0
var ErrNegativeChannel = errors.New("channel must not be negative")

// DecodeError reports a payload that could not be decoded
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode notification %q: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type notification struct {
	Channel    *int         `json:"channel"`
	Temp       *json.Number `json:"temp"`
	Date       *string      `json:"date"`
	DegreeType *int         `json:"degreetype"`
}

// Decode parses one data characteristic payload.
func Decode(payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return Message{}, &DecodeError{Payload: payload, Err: ErrInvalidUTF8}
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Message{}, &DecodeError{Payload: payload, Err: err}
	}

	if n.Channel == nil {
		return Message{Kind: NoOp}, nil
	}
	if *n.Channel < 0 {
		return Message{}, &DecodeError{Payload: payload, Err: ErrNegativeChannel}
	}

	msg := Message{
		Channel: *n.Channel,
		Date:    DefaultDate,
		Unit:    UnitFromDegreeType(DefaultDegreeType),
	}
	if n.Date != nil {
		msg.Date = *n.Date
	}
	if n.DegreeType != nil {
		msg.Unit = UnitFromDegreeType(*n.DegreeType)
	}

	if n.Temp != nil {
		temp, err := n.Temp.Float64()
		if err != nil {
			return Message{}, &DecodeError{Payload: payload, Err: err}
		}
		msg.Temp = temp
		msg.RawTemp = n.Temp.String()
		msg.HasTemp = true
	}

	if !msg.HasTemp || msg.Temp <= 0 {
		msg.Kind = Remove
	} else {
		msg.Kind = Reading
	}
	return msg, nil
}
