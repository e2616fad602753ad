// Package fireboard holds the FireBoard hub protocol: GATT attributes, the
// JSON notification decoder, and the naming rules for entities, topics and
// discovery.
package fireboard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/fireble/internal/device"
)

// Device registry facts reported for every hub
const (
	Manufacturer     = "FireBoard Labs"
	ConfigurationURL = "https://www.fireboard.com"
)

// Entity roles, appended to the device address to form unique ids
const (
	RoleRSSI   = "rssi"
	RoleStatus = "status"
	RoleSource = "source"
)

// ChannelRolePrefix marks the per-probe roles ("ch1", "ch2", ...)
const ChannelRolePrefix = "ch"

// AddressSuffix returns the short form of an address used in names:
// the last two octets of a six-part MAC address, otherwise its last five
// characters.
func AddressSuffix(address string) string {
	parts := strings.Split(address, ":")
	if len(parts) == 6 {
		return parts[4] + ":" + parts[5]
	}
	if len(address) <= 5 {
		return address
	}
	return address[len(address)-5:]
}

// DisplayName returns the default device name, e.g. "FireBoard-9F:3E".
func DisplayName(address string) string {
	return "FireBoard-" + AddressSuffix(address)
}

// BaseTopic returns the default republish topic prefix, e.g. "FireBoard-BLE-9F:3E".
func BaseTopic(address string) string {
	return "FireBoard-BLE-" + AddressSuffix(address)
}

// Topic returns the per-channel republish topic. Channel 0 is the ambient sensor.
func Topic(base string, channel int) string {
	if channel == 0 {
		return base + "/ambient"
	}
	return fmt.Sprintf("%s/probe%d", base, channel)
}

// ChannelRole returns the entity role of a probe channel
func ChannelRole(channel int) string {
	return fmt.Sprintf("%s%d", ChannelRolePrefix, channel)
}

// ParseChannelRole returns the channel of a probe role such as "ch3"
func ParseChannelRole(role string) (int, bool) {
	digits, ok := strings.CutPrefix(role, ChannelRolePrefix)
	if !ok || digits == "" {
		return 0, false
	}
	ch, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return ch, true
}

// EntityID returns the stable unique id of an entity of the device at address
func EntityID(address, role string) string {
	return fmt.Sprintf("fireboard_%s_%s", address, role)
}

// ChannelName returns the display name of a probe entity
func ChannelName(channel int) string {
	if channel == 0 {
		return "Ambient"
	}
	return fmt.Sprintf("Probe %d", channel)
}

// Matches reports whether an advertisement looks like a FireBoard hub:
// it advertises the data UUID, or its name mentions "fireboard".
func Matches(obs device.Observation) bool {
	if device.ContainsUUID(obs.ServiceUUIDs, DataCharUUID) {
		return true
	}
	return strings.Contains(strings.ToLower(obs.Name), "fireboard")
}
