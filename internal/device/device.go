package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError represents an error when a GATT resource is not found on a link
type NotFoundError struct {
	Resource string // "service", "characteristic"
	UUID     string
}

func (e *NotFoundError) Error() string {
	if e.UUID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	Unreachable      ConnectionState = "unreachable"
	Saturated        ConnectionState = "bridge_saturated"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrUnreachable      = &ConnectionError{State: Unreachable}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}

	// ErrBridgeSaturated is reported when a relaying proxy has no free
	// connection slot left for another BLE link.
	ErrBridgeSaturated = &ConnectionError{State: Saturated}
)

// Operation errors
var (
	ErrTimeout = errors.New("timeout")
)

// NormalizeError maps known transport error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "connection slot"),
		containsIgnoreCase(msg, "no backend"):
		return fmt.Errorf("%w: %v", ErrBridgeSaturated, err)
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?",
		containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Observation is a single advertisement sighting of a peer.
type Observation struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	RSSI         int       `json:"rssi"`
	Source       string    `json:"source"`
	ServiceUUIDs []string  `json:"service_uuids"`
	Connectable  bool      `json:"connectable"`
	SeenAt       time.Time `json:"seen_at"`
}

// Peer identifies a device that a Transport has recently observed as connectable.
type Peer struct {
	Address string
	Source  string
}

// Transport is the BLE capability a device session depends on.
//
// Lookup reports whether the address was recently seen by a connectable radio.
// Connect dials the peer; onDisconnect is invoked at most once when the
// link is lost after a successful Connect. Watch registers a callback for
// every advertisement seen from the address and returns a function that
// cancels the registration.
type Transport interface {
	Lookup(address string) (Peer, bool)
	Connect(ctx context.Context, peer Peer, onDisconnect func()) (Link, error)
	Watch(address string, fn func(Observation)) (cancel func())
}

// Link is one established GATT connection.
type Link interface {
	Address() string
	Subscribe(charUUID string, handler func([]byte)) error
	Write(charUUID string, data []byte) error
	IsConnected() bool
	Disconnect() error
}
