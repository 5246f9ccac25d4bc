package devicetype

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	var loads int
	var fail bool
	c := NewCache(LoaderFunc(func(ctx context.Context, name string) (DeviceType, error) {
		loads++
		if fail {
			return DeviceType{}, errors.New("boom")
		}
		return StaticLoader.LoadDeviceType(ctx, name)
	}))

	t.Run("Miss loads", func(t *testing.T) {
		assert := require.New(t)

		dt, err := c.Get(ctx, "smart_plug")
		assert.NoError(err)
		assert.Equal(FamilySimpleActuator, dt.Family)
		assert.Equal(1, loads)
		assert.Equal(1, c.Len())
	})

	t.Run("Hit does not load", func(t *testing.T) {
		assert := require.New(t)

		fail = true
		dt, err := c.Get(ctx, "smart_plug")
		assert.NoError(err)
		assert.Equal("smart_plug", dt.Name)
		assert.Equal(1, loads)
	})

	t.Run("Load error is returned and not cached", func(t *testing.T) {
		assert := require.New(t)

		_, err := c.Get(ctx, "relay_controller")
		assert.EqualError(err, "boom")
		assert.Equal(1, c.Len())

		fail = false
		dt, err := c.Get(ctx, "relay_controller")
		assert.NoError(err)
		assert.Equal(3, dt.RelayCount)
	})

	t.Run("Unknown device-type", func(t *testing.T) {
		assert := require.New(t)

		_, err := c.Get(ctx, "toaster")
		assert.Equal(ErrUnknownDeviceType, err)
	})

	t.Run("Invalidate reloads", func(t *testing.T) {
		assert := require.New(t)

		before := loads
		c.Invalidate("smart_plug")
		_, err := c.Get(ctx, "smart_plug")
		assert.NoError(err)
		assert.Equal(before+1, loads)
	})

	assert.Equal(2, c.Len())
}

func TestDeviceType(t *testing.T) {
	dt, ok := GetBuiltin("smart_plug")
	require.True(t, ok)

	t.Run("Command", func(t *testing.T) {
		assert := require.New(t)

		c, ok := dt.Command("on")
		assert.True(ok)
		assert.Equal("on", c.State)
		assert.Len(c.Segments, 2)

		_, ok = dt.Command("blink")
		assert.False(ok)
	})

	t.Run("MatchSegment", func(t *testing.T) {
		assert := require.New(t)

		c, ok := dt.MatchSegment("0E00")
		assert.True(ok)
		assert.Equal("off", c.State)

		_, ok = dt.MatchSegment("FFFF")
		assert.False(ok)

		_, ok = dt.MatchSegment("")
		assert.False(ok)
	})

	t.Run("Storage round-trip", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal(dt, FromStorage(dt.ToStorage()))
	})
}

func TestValidate(t *testing.T) {
	for _, dt := range Builtins() {
		require.NoError(t, dt.Validate(), dt.Name)
	}

	tests := []struct {
		name  string
		dt    DeviceType
		error string
	}{
		{
			name:  "no name",
			dt:    DeviceType{Family: FamilySensor, Collection: "x"},
			error: "name must be set",
		},
		{
			name:  "invalid family",
			dt:    DeviceType{Name: "x", Family: "toaster", Collection: "x"},
			error: "invalid family: toaster",
		},
		{
			name:  "relay count",
			dt:    DeviceType{Name: "x", Family: FamilyMultiRelay, Collection: "x", RelayCount: 4},
			error: "relay count must be in range [1,3], got 4",
		},
		{
			name:  "no collection",
			dt:    DeviceType{Name: "x", Family: FamilySensor},
			error: "collection must be set",
		},
		{
			name: "command without segments",
			dt: DeviceType{Name: "x", Family: FamilySimpleActuator, Collection: "x", Commands: map[string]Command{
				"on": {State: "on"},
			}},
			error: "command on: at least one segment must be set",
		},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			require.EqualError(t, tst.dt.Validate(), tst.error)
		})
	}
}
