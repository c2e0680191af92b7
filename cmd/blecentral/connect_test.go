package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/internal/radio"
)

func TestParseRoutes(t *testing.T) {
	tests := []struct {
		name     string
		specs    []string
		expected radio.Route
		wantErr  bool
	}{
		{
			name:     "no flags means nil route",
			specs:    nil,
			expected: nil,
		},
		{
			name:     "service only",
			specs:    []string{"180d"},
			expected: radio.Route{"180d": nil},
		},
		{
			name:     "service with characteristics",
			specs:    []string{"180d:2a37,2a38"},
			expected: radio.Route{"180d": {"2a37", "2a38"}},
		},
		{
			name:     "repeated flag",
			specs:    []string{"180d:2a37", "180f"},
			expected: radio.Route{"180d": {"2a37"}, "180f": nil},
		},
		{
			name:     "trailing colon means all characteristics",
			specs:    []string{"180d:"},
			expected: radio.Route{"180d": nil},
		},
		{
			name:    "empty service rejected",
			specs:   []string{":2a37"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route, err := parseRoutes(tt.specs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, route)
		})
	}
}
