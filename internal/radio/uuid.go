package radio

import "strings"

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID
// (0000xxxx-0000-1000-8000-00805f9b34fb) after normalization.
const bluetoothBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format used for all
// lookups: lowercase, no dashes, no 0x prefix. Full 128-bit UUIDs in the
// Bluetooth SIG base format are reduced to their 16-bit short form so
// "0000180D-0000-1000-8000-00805F9B34FB" and "180d" compare equal.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, bluetoothBaseSuffix) {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings. A nil slice stays nil.
func NormalizeUUIDs(uuids []string) []string {
	if uuids == nil {
		return nil
	}
	normalized := make([]string, len(uuids))
	for i, uuid := range uuids {
		normalized[i] = NormalizeUUID(uuid)
	}
	return normalized
}
