// Package goble implements device.Transport on top of go-ble: a background
// advertisement scan feeding a presence cache, and GATT links dialled
// through the host radio.
package goble

import (
	"github.com/go-ble/ble"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return newDefaultDevice()
}
