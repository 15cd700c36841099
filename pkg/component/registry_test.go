package component

import (
	"context"
	"errors"
	"testing"

	"homehelpers/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noopSetup(context.Context, *ha.Hass, map[string]interface{}) error { return nil }

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name        string
		info        Info
		wantErr     bool
		errContains string
	}{
		{
			name: "valid registration",
			info: Info{
				Domain:      "input_boolean",
				Description: "A test component",
				Priority:    PriorityDefault,
				Setup:       noopSetup,
			},
			wantErr: false,
		},
		{
			name: "empty domain",
			info: Info{
				Domain: "",
				Setup:  noopSetup,
			},
			wantErr:     true,
			errContains: "domain cannot be empty",
		},
		{
			name: "nil setup",
			info: Info{
				Domain: "input_boolean",
				Setup:  nil,
			},
			wantErr:     true,
			errContains: "setup cannot be nil",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			err := registry.Register(tt.info)

			if tt.wantErr {
				assert.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, err.Error(), tt.errContains)
				}
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_PriorityOverride(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(Info{
		Domain:      "input_boolean",
		Description: "Default",
		Priority:    PriorityDefault,
		Setup:       noopSetup,
	}))

	require.NoError(t, registry.Register(Info{
		Domain:      "input_boolean",
		Description: "Private",
		Priority:    PriorityOverride,
		Setup:       noopSetup,
	}))

	// Lower priority is skipped without error
	require.NoError(t, registry.Register(Info{
		Domain:      "input_boolean",
		Description: "Late default",
		Priority:    PriorityDefault,
		Setup:       noopSetup,
	}))

	info := registry.Get("input_boolean")
	require.NotNil(t, info)
	assert.Equal(t, PriorityOverride, info.Priority)
	assert.Equal(t, "Private", info.Description)
	assert.Equal(t, []string{"input_boolean"}, registry.Domains())
}

func TestRegistry_ListOrder(t *testing.T) {
	registry := NewRegistry()

	registry.Register(Info{Domain: "zeta", Order: 90, Setup: noopSetup})
	registry.Register(Info{Domain: "recorder", Order: 10, Setup: noopSetup})
	registry.Register(Info{Domain: "input_number", Setup: noopSetup})
	registry.Register(Info{Domain: "input_boolean", Setup: noopSetup})

	list := registry.List()
	require.Len(t, list, 4)

	assert.Equal(t, "recorder", list[0].Domain)
	assert.Equal(t, "input_boolean", list[1].Domain)
	assert.Equal(t, "input_number", list[2].Domain)
	assert.Equal(t, "zeta", list[3].Domain)
	assert.Equal(t, defaultOrder, list[1].Order)
}

func TestRegistry_SetupComponent(t *testing.T) {
	registry := NewRegistry()
	hass := ha.New(nil, zap.NewNop())

	calls := 0
	registry.Register(Info{
		Domain: "input_boolean",
		Setup: func(ctx context.Context, h *ha.Hass, config map[string]interface{}) error {
			calls++
			assert.Same(t, hass, h)
			assert.Contains(t, config, "input_boolean")
			return nil
		},
	})

	config := map[string]interface{}{"input_boolean": map[string]interface{}{"a": nil}}
	assert.True(t, registry.SetupComponent(context.Background(), hass, "input_boolean", config))
	assert.True(t, hass.IsLoaded("input_boolean"))

	// Second setup is a no-op
	assert.True(t, registry.SetupComponent(context.Background(), hass, "input_boolean", config))
	assert.Equal(t, 1, calls)

	assert.False(t, registry.SetupComponent(context.Background(), hass, "unknown", config))
}

func TestRegistry_SetupComponentFailure(t *testing.T) {
	registry := NewRegistry()
	hass := ha.New(nil, zap.NewNop())

	registry.Register(Info{
		Domain: "input_boolean",
		Setup: func(context.Context, *ha.Hass, map[string]interface{}) error {
			return errors.New("bad config")
		},
	})

	assert.False(t, registry.SetupComponent(context.Background(), hass, "input_boolean", nil))
	assert.False(t, hass.IsLoaded("input_boolean"))
	assert.Empty(t, hass.Components())
}

func TestRegistry_SetupAll(t *testing.T) {
	registry := NewRegistry()
	hass := ha.New(nil, zap.NewNop())

	var order []string
	record := func(name string, err error) SetupFunc {
		return func(context.Context, *ha.Hass, map[string]interface{}) error {
			order = append(order, name)
			return err
		}
	}

	registry.Register(Info{Domain: "second", Order: 20, Setup: record("second", nil)})
	registry.Register(Info{Domain: "first", Order: 10, Setup: record("first", errors.New("boom"))})
	registry.Register(Info{Domain: "unconfigured", Order: 5, Setup: record("unconfigured", nil)})

	err := registry.SetupAll(context.Background(), hass, map[string]interface{}{
		"first":  nil,
		"second": nil,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to set up component first")

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []string{"second"}, hass.Components())
}

func TestRegistry_Clear(t *testing.T) {
	registry := NewRegistry()
	registry.Register(Info{Domain: "test", Setup: noopSetup})
	assert.Len(t, registry.Domains(), 1)

	registry.Clear()

	assert.Len(t, registry.Domains(), 0)
	assert.Nil(t, registry.Get("test"))
}
