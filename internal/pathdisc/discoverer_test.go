package pathdisc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecentral/internal/radio"
	"github.com/srg/blecentral/internal/radiotest"
)

func completionRecorder() (*[]Path, *error, *int, func([]Path, error)) {
	var paths []Path
	var err error
	calls := 0
	return &paths, &err, &calls, func(p []Path, e error) {
		paths = p
		err = e
		calls++
	}
}

func TestDiscoverRouteFlattensPaths(t *testing.T) {
	sess := radiotest.NewFakeSession()
	paths, derr, calls, onDone := completionRecorder()

	route := radio.Route{"180d": {"2a37"}, "180f": nil}
	d := New("aa", route, sess, nil, onDone)
	d.Begin()

	commands := sess.Commands()
	require.Len(t, commands, 1)
	assert.Equal(t, "DiscoverServices", commands[0].Name)
	assert.ElementsMatch(t, []string{"180d", "180f"}, commands[0].UUIDs)

	// The peripheral reports one extra service not in the route; it must
	// not be awaited.
	d.HandleServices(radio.ServicesDiscovered{ID: "aa", Services: []string{"180d", "180f", "1800"}})
	assert.Equal(t, 2, sess.CommandCount("DiscoverCharacteristics"))

	d.HandleCharacteristics(radio.CharacteristicsDiscovered{
		ID: "aa", Service: "180d",
		Characteristics: []radio.Characteristic{{UUID: "2a37", Handle: 0x0010}},
	})
	assert.False(t, d.Done())

	d.HandleCharacteristics(radio.CharacteristicsDiscovered{
		ID: "aa", Service: "180f",
		Characteristics: []radio.Characteristic{{UUID: "2a19", Handle: 0x0020}, {UUID: "2a1a", Handle: 0x0022}},
	})

	require.True(t, d.Done())
	require.Equal(t, 1, *calls)
	require.NoError(t, *derr)
	assert.ElementsMatch(t, []Path{
		{PeripheralID: "aa", Service: "180d", Characteristic: "2a37", Handle: 0x0010},
		{PeripheralID: "aa", Service: "180f", Characteristic: "2a19", Handle: 0x0020},
		{PeripheralID: "aa", Service: "180f", Characteristic: "2a1a", Handle: 0x0022},
	}, *paths)
}

func TestNilRouteDiscoversEverything(t *testing.T) {
	sess := radiotest.NewFakeSession()
	paths, derr, _, onDone := completionRecorder()

	d := New("aa", nil, sess, nil, onDone)
	d.Begin()

	commands := sess.Commands()
	require.Len(t, commands, 1)
	assert.Nil(t, commands[0].UUIDs)

	d.HandleServices(radio.ServicesDiscovered{ID: "aa", Services: []string{"1800"}})
	d.HandleCharacteristics(radio.CharacteristicsDiscovered{
		ID: "aa", Service: "1800",
		Characteristics: []radio.Characteristic{{UUID: "2a00", Handle: 3}},
	})

	require.True(t, d.Done())
	require.NoError(t, *derr)
	assert.Len(t, *paths, 1)
}

func TestServiceDiscoveryErrorFailsRun(t *testing.T) {
	sess := radiotest.NewFakeSession()
	_, derr, calls, onDone := completionRecorder()

	d := New("aa", radio.Route{"180d": nil}, sess, nil, onDone)
	d.Begin()
	d.HandleServices(radio.ServicesDiscovered{ID: "aa", Err: errors.New("gatt failure")})

	require.True(t, d.Done())
	assert.Equal(t, 1, *calls)
	assert.EqualError(t, *derr, "gatt failure")
}

func TestFirstCharacteristicErrorWins(t *testing.T) {
	sess := radiotest.NewFakeSession()
	_, derr, calls, onDone := completionRecorder()

	d := New("aa", radio.Route{"180d": nil, "180f": nil}, sess, nil, onDone)
	d.Begin()
	d.HandleServices(radio.ServicesDiscovered{ID: "aa", Services: []string{"180d", "180f"}})

	d.HandleCharacteristics(radio.CharacteristicsDiscovered{ID: "aa", Service: "180d", Err: errors.New("first")})
	require.True(t, d.Done())
	assert.EqualError(t, *derr, "first")

	// Late arrivals for the other service are ignored, success and
	// failure alike.
	d.HandleCharacteristics(radio.CharacteristicsDiscovered{ID: "aa", Service: "180f", Err: errors.New("second")})
	d.HandleCharacteristics(radio.CharacteristicsDiscovered{
		ID: "aa", Service: "180f",
		Characteristics: []radio.Characteristic{{UUID: "2a19", Handle: 1}},
	})
	assert.Equal(t, 1, *calls)
	assert.EqualError(t, *derr, "first")
}

func TestCommandFailureFailsRunImmediately(t *testing.T) {
	sess := radiotest.NewFakeSession()
	sess.FailCommand["DiscoverServices"] = errors.New("not connected")
	_, derr, calls, onDone := completionRecorder()

	d := New("aa", nil, sess, nil, onDone)
	d.Begin()

	require.True(t, d.Done())
	assert.Equal(t, 1, *calls)
	assert.EqualError(t, *derr, "not connected")
}

func TestNoMatchingServicesCompletesEmpty(t *testing.T) {
	sess := radiotest.NewFakeSession()
	paths, derr, calls, onDone := completionRecorder()

	d := New("aa", radio.Route{"180d": nil}, sess, nil, onDone)
	d.Begin()
	d.HandleServices(radio.ServicesDiscovered{ID: "aa", Services: []string{"1800"}})

	require.True(t, d.Done())
	assert.Equal(t, 1, *calls)
	require.NoError(t, *derr)
	assert.Empty(t, *paths)
}

func TestUnawaitedServiceResultIgnored(t *testing.T) {
	sess := radiotest.NewFakeSession()
	_, _, calls, onDone := completionRecorder()

	d := New("aa", radio.Route{"180d": nil}, sess, nil, onDone)
	d.Begin()
	d.HandleServices(radio.ServicesDiscovered{ID: "aa", Services: []string{"180d"}})

	d.HandleCharacteristics(radio.CharacteristicsDiscovered{ID: "aa", Service: "1800", Err: errors.New("stray")})
	assert.False(t, d.Done())
	assert.Equal(t, 0, *calls)
}
