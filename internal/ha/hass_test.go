package ha

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRestoreCache map[string]*State

func (f fakeRestoreCache) LastState(entityID string) (*State, bool) {
	s, ok := f[entityID]
	return s, ok
}

func TestHass_Lifecycle(t *testing.T) {
	hass := New(nil, zap.NewNop())
	assert.Equal(t, CoreStateNotRunning, hass.State())

	hass.SetState(CoreStateStarting)
	assert.Equal(t, CoreStateStarting, hass.State())

	hass.Start()
	assert.Equal(t, CoreStateRunning, hass.State())

	var order []string
	hass.OnStop(func(context.Context) {
		order = append(order, "first")
		assert.Equal(t, CoreStateStopping, hass.State())
	})
	hass.OnStop(func(context.Context) { order = append(order, "second") })

	hass.Stop(context.Background())
	assert.Equal(t, []string{"second", "first"}, order)
	assert.Equal(t, CoreStateNotRunning, hass.State())
}

func TestHass_LastStateOnlyDuringStartup(t *testing.T) {
	hass := New(nil, zap.NewNop())

	_, ok := hass.LastState("input_boolean.b1")
	assert.False(t, ok, "no cache installed")

	hass.SetRestoreCache(fakeRestoreCache{
		"input_boolean.b1": {EntityID: "input_boolean.b1", State: "on"},
	})

	hass.SetState(CoreStateStarting)
	state, ok := hass.LastState("input_boolean.b1")
	require.True(t, ok)
	assert.Equal(t, "on", state.State)

	_, ok = hass.LastState("input_boolean.b3")
	assert.False(t, ok)

	hass.Start()
	_, ok = hass.LastState("input_boolean.b1")
	assert.False(t, ok, "cache is closed once running")
}

func TestHass_CallServiceWhileStopping(t *testing.T) {
	hass := New(nil, zap.NewNop())
	hass.Services.Register("input_boolean", "toggle", func(context.Context, *ServiceCall) error { return nil }, nil)

	require.NoError(t, hass.CallService(context.Background(), "input_boolean", "toggle", nil, true, nil))

	hass.SetState(CoreStateStopping)
	err := hass.CallService(context.Background(), "input_boolean", "toggle", nil, true, nil)
	assert.ErrorIs(t, err, ErrStopping)
}

func TestHass_ServicesRejectedAfterStopUntilStart(t *testing.T) {
	hass := New(nil, zap.NewNop())
	hass.Services.Register("input_boolean", "toggle", func(context.Context, *ServiceCall) error { return nil }, nil)
	hass.Start()

	var hookErr error
	hass.OnStop(func(ctx context.Context) {
		// Calls made from stop hooks bypass the core-state check but are
		// still refused by the registry
		hookErr = hass.Services.Call(ctx, "input_boolean", "toggle", nil, false, nil)
	})
	hass.Stop(context.Background())
	assert.ErrorIs(t, hookErr, ErrStopping)

	err := hass.CallService(context.Background(), "input_boolean", "toggle", nil, false, nil)
	assert.ErrorIs(t, err, ErrStopping)

	hass.Start()
	assert.NoError(t, hass.CallService(context.Background(), "input_boolean", "toggle", nil, false, nil))
	hass.BlockTillDone()
}

func TestHass_ConfigLoaderAndComponents(t *testing.T) {
	hass := New(nil, zap.NewNop())

	_, err := hass.LoadConfig()
	assert.Error(t, err)

	hass.SetConfigLoader(func() (map[string]interface{}, error) {
		return map[string]interface{}{"input_boolean": map[string]interface{}{"a": nil}}, nil
	})
	cfg, err := hass.LoadConfig()
	require.NoError(t, err)
	assert.Contains(t, cfg, "input_boolean")

	assert.False(t, hass.IsLoaded("input_boolean"))
	hass.MarkLoaded("input_boolean")
	assert.True(t, hass.IsLoaded("input_boolean"))
	assert.Equal(t, []string{"input_boolean"}, hass.Components())
}
