package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"homehelpers/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient keeps input_boolean states in memory
type fakeClient struct {
	states map[string]*ha.State
}

func newFakeClient() *fakeClient {
	return &fakeClient{states: map[string]*ha.State{
		"input_boolean.test_1": {EntityID: "input_boolean.test_1", State: "off"},
		"input_boolean.test_2": {
			EntityID:   "input_boolean.test_2",
			State:      "on",
			Attributes: map[string]interface{}{ha.AttrFriendlyName: "Hello World"},
		},
		"light.kitchen": {EntityID: "light.kitchen", State: "on"},
	}}
}

func (f *fakeClient) State(_ context.Context, entityID string) (*ha.State, error) {
	s, ok := f.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ha.ErrEntityNotFound, entityID)
	}
	return s, nil
}

func (f *fakeClient) States(context.Context) ([]*ha.State, error) {
	return []*ha.State{f.states["input_boolean.test_1"], f.states["input_boolean.test_2"], f.states["light.kitchen"]}, nil
}

// CallService mimics the server: a state only takes the call's context when
// it actually changes
func (f *fakeClient) CallService(_ context.Context, domain, service string, data map[string]interface{}) (*ha.Context, error) {
	hctx := ha.NewContext("")
	s, ok := f.states[data[ha.AttrEntityID].(string)]
	if !ok {
		return hctx, nil
	}

	next := s.State
	switch service {
	case ha.ServiceTurnOn:
		next = ha.StateOn
	case ha.ServiceTurnOff:
		next = ha.StateOff
	case ha.ServiceToggle:
		next = ha.StateOn
		if s.State == ha.StateOn {
			next = ha.StateOff
		}
	default:
		return nil, &ha.Error{Code: "not_found", Message: "Service not found."}
	}
	if next != s.State {
		s.State = next
		s.Context = hctx
	}
	return hctx, nil
}

func (f *fakeClient) SubscribeStateChanges(context.Context, string, ha.StateChangeHandler) (ha.Subscription, error) {
	return nil, nil
}

func TestRun_States(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), newFakeClient(), &out, "states", nil))

	text := out.String()
	assert.Contains(t, text, "input_boolean.test_1")
	assert.Contains(t, text, "Hello World")
	assert.NotContains(t, text, "light.kitchen")
}

func TestRun_Switching(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	var out bytes.Buffer

	require.NoError(t, run(ctx, client, &out, "on", []string{"input_boolean.test_1"}))
	assert.Equal(t, ha.StateOn, client.states["input_boolean.test_1"].State)

	require.NoError(t, run(ctx, client, &out, "toggle", []string{"test_1"}))
	assert.Equal(t, ha.StateOff, client.states["input_boolean.test_1"].State)

	require.NoError(t, run(ctx, client, &out, "off", []string{"TEST_2"}))
	assert.Equal(t, ha.StateOff, client.states["input_boolean.test_2"].State)
	assert.Contains(t, out.String(), "input_boolean.test_2")
}

func TestRun_UnchangedHelper(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	var out bytes.Buffer

	require.NoError(t, run(ctx, client, &out, "on", []string{"test_2"}))
	assert.Equal(t, "input_boolean.test_2 already on\n", out.String())
}

func TestRun_Errors(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer
	client := newFakeClient()

	assert.Error(t, run(ctx, client, &out, "on", nil))
	assert.Error(t, run(ctx, client, &out, "explode", nil))
	assert.ErrorIs(t, run(ctx, client, &out, "toggle", []string{"missing"}), ha.ErrEntityNotFound)
	assert.ErrorIs(t, run(ctx, client, &out, "states", []string{"missing"}), ha.ErrEntityNotFound)
}
