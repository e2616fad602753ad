package main

import (
	"errors"
	"strings"

	"github.com/srg/fireble/internal/device"
	"github.com/srg/fireble/internal/session"
	"github.com/srg/fireble/pkg/config"
)

// FormatUserError turns known failures into an actionable message
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off or unavailable. Enable the adapter and try again."
	case errors.Is(err, device.ErrBridgeSaturated):
		return "The Bluetooth proxy has no free connection slot. Free a slot or add a proxy."
	case errors.Is(err, session.ErrAlreadyRunning):
		return "The bridge is already running."
	case errors.Is(err, config.ErrNoDevices):
		return "No devices configured. Run 'fireble scan --format yaml' to generate a devices section."
	}

	msg := err.Error()
	if strings.Contains(msg, "read config") {
		return msg + " (pass --config <file>)"
	}
	return msg
}
