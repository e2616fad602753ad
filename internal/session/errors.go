package session

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("session already running")
	ErrEmptyAddress   = errors.New("device address is empty")
)

// LinkError is a failed connection attempt that is retried after the regular delay
type LinkError struct {
	Phase string // "connect", "subscribe", "activate"
	Err   error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
