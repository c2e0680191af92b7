package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeUUID verifies that NormalizeUUID correctly handles various UUID formats
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"short form stays short", "180d", "180d"},
		{"uppercase short form", "180D", "180d"},
		{"0x prefix stripped", "0x2902", "2902"},
		{"SIG base UUID reduced to short form", "0000180D-0000-1000-8000-00805F9B34FB", "180d"},
		{"SIG base without dashes", "0000180d00001000800000805f9b34fb", "180d"},
		{"custom 128-bit UUID keeps full form", "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6e400001b5a3f393e0a9e50e24dcca9e"},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	assert.Nil(t, NormalizeUUIDs(nil))
	assert.Equal(t, []string{"180d", "2a37"}, NormalizeUUIDs([]string{"180D", "0x2A37"}))
}

func TestRouteNormalized(t *testing.T) {
	var nilRoute Route
	assert.Nil(t, nilRoute.Normalized())
	assert.Nil(t, nilRoute.ServiceUUIDs())

	route := Route{
		"0000180D-0000-1000-8000-00805F9B34FB": {"2A37", "0x2A38"},
		"180F": nil,
	}
	normalized := route.Normalized()
	assert.Equal(t, Route{
		"180d": {"2a37", "2a38"},
		"180f": nil,
	}, normalized)
	assert.ElementsMatch(t, []string{"180d", "180f"}, normalized.ServiceUUIDs())
}
