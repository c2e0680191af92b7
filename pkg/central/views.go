package central

import (
	"sort"
	"time"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/registry"
)

// Peripheral is one entry of the available-peripherals view. Identity is
// the identifier alone; a re-discovery replaces the advertisement, signal
// and timestamp of the existing entry.
type Peripheral struct {
	ID            string
	Advertisement radio.Advertisement
	RSSI          int
	LastSeen      time.Time
}

// The formatting pipeline: pure derivations from raw container values to
// the simplified views the application consumes.

// readyFromState derives the boolean readiness view from the raw radio
// state.
func readyFromState(s radio.State) bool {
	return s == radio.StatePoweredOn
}

// scanningFromOps derives the scanning-active view from a registry
// snapshot.
func scanningFromOps(ops []registry.Operation) bool {
	for _, op := range ops {
		if op.Instruction == registry.Scanning {
			return true
		}
	}
	return false
}

// sortByStrength orders peripherals strongest signal first. Ties keep no
// particular order.
func sortByStrength(peripherals []Peripheral) []Peripheral {
	sort.Slice(peripherals, func(i, j int) bool {
		return peripherals[i].RSSI > peripherals[j].RSSI
	})
	return peripherals
}

// identifierSet renders a set of identifiers as an unordered slice view.
func identifierSet(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
