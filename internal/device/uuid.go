package device

import (
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the form used for comparisons
// (lowercase, no dashes, no 0x prefix). Full 128-bit UUIDs in the
// Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb)
// collapse to their 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// EqualUUID reports whether two UUID strings name the same attribute.
func EqualUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ContainsUUID reports whether uuid is present in the list.
func ContainsUUID(list []string, uuid string) bool {
	for _, u := range list {
		if EqualUUID(u, uuid) {
			return true
		}
	}
	return false
}
