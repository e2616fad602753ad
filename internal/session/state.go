package session

import (
	"fmt"
	"time"
)

// ConnState is a state of the connection loop
type ConnState int

const (
	StateScanning ConnState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateRetrying
	StateProxyFull
	StateStopped
)

var stateNames = map[ConnState]string{
	StateScanning:       "scanning",
	StateConnecting:     "connecting",
	StateAuthenticating: "authenticating",
	StateConnected:      "connected",
	StateRetrying:       "retrying",
	StateProxyFull:      "proxy_full",
	StateStopped:        "stopped",
}

func (s ConnState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status texts shown by the status sensor
const (
	StatusInitializing   = "Initializing"
	StatusScanning       = "Scanning..."
	StatusConnecting     = "Connecting"
	StatusAuthenticating = "Authenticating"
	StatusConnected      = "Connected"
	StatusDisconnected   = "Disconnected"
)

// StatusRetrying returns the status shown while waiting after a failed attempt
func StatusRetrying(d time.Duration) string {
	return fmt.Sprintf("Retrying (%ds)...", int(d.Seconds()))
}

// StatusProxyFull returns the status shown while a saturated proxy cools down
func StatusProxyFull(d time.Duration) string {
	return fmt.Sprintf("Proxy Full (Waiting %ds)", int(d.Seconds()))
}

// Timing holds every delay of a session
type Timing struct {
	ScanInterval     time.Duration // re-poll while the device is not reachable
	LivenessInterval time.Duration // link check while connected
	RetryDelay       time.Duration // after a failed connection attempt
	SaturatedDelay   time.Duration // after a proxy reported no free slot
	StaleAfter       time.Duration // channel staleness window
	SweepInterval    time.Duration // watchdog period
	ConnectTimeout   time.Duration // bound on a single dial
}

// DefaultTiming returns the stock delays
func DefaultTiming() Timing {
	return Timing{
		ScanInterval:     5 * time.Second,
		LivenessInterval: 2 * time.Second,
		RetryDelay:       15 * time.Second,
		SaturatedDelay:   60 * time.Second,
		StaleAfter:       30 * time.Second,
		SweepInterval:    10 * time.Second,
		ConnectTimeout:   30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultTiming
func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.ScanInterval <= 0 {
		t.ScanInterval = d.ScanInterval
	}
	if t.LivenessInterval <= 0 {
		t.LivenessInterval = d.LivenessInterval
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = d.RetryDelay
	}
	if t.SaturatedDelay <= 0 {
		t.SaturatedDelay = d.SaturatedDelay
	}
	if t.StaleAfter <= 0 {
		t.StaleAfter = d.StaleAfter
	}
	if t.SweepInterval <= 0 {
		t.SweepInterval = d.SweepInterval
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	return t
}

// Clock is the time source of a session
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
