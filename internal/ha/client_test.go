package ha_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"homehelpers/internal/api"
	"homehelpers/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const clientToken = "test_token"

// lampServer serves the WebSocket API for a hass with one switch-like
// entity driven by test.turn_on and test.turn_off
func lampServer(t *testing.T) (*ha.Hass, string) {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	hass := ha.New(nil, logger)
	_, err := hass.States.Set("test.lamp", ha.StateOff, nil, false, nil)
	require.NoError(t, err)

	set := func(state string) ha.ServiceHandler {
		return func(_ context.Context, call *ha.ServiceCall) error {
			_, err := hass.States.Set("test.lamp", state, nil, false, call.Context)
			return err
		}
	}
	hass.Services.Register("test", ha.ServiceTurnOn, set(ha.StateOn), nil)
	hass.Services.Register("test", ha.ServiceTurnOff, set(ha.StateOff), nil)
	hass.Services.Register("test", "fail", func(context.Context, *ha.ServiceCall) error {
		return errors.New("lamp is broken")
	}, nil)
	hass.Start()

	server := api.NewServer(hass, logger, 0, clientToken)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Stop()
		ts.Close()
	})

	return hass, "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/websocket"
}

func dial(t *testing.T, url, token string) *ha.Client {
	t.Helper()
	client, err := ha.Dial(context.Background(), url, token, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDial(t *testing.T) {
	_, url := lampServer(t)

	t.Run("valid token", func(t *testing.T) {
		client := dial(t, url, clientToken)
		assert.NoError(t, client.Ping(context.Background()))
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := ha.Dial(context.Background(), url, "wrong", zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid token")
	})

	t.Run("nothing listening", func(t *testing.T) {
		_, err := ha.Dial(context.Background(), "ws://127.0.0.1:1/api/websocket", clientToken, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestClient_States(t *testing.T) {
	_, url := lampServer(t)
	client := dial(t, url, clientToken)
	ctx := context.Background()

	states, err := client.States(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "test.lamp", states[0].EntityID)

	lamp, err := client.State(ctx, "test.lamp")
	require.NoError(t, err)
	assert.Equal(t, ha.StateOff, lamp.State)

	_, err = client.State(ctx, "test.nope")
	assert.ErrorIs(t, err, ha.ErrEntityNotFound)
}

func TestClient_CallServiceReturnsContext(t *testing.T) {
	hass, url := lampServer(t)
	client := dial(t, url, clientToken)
	ctx := context.Background()

	hctx, err := client.CallService(ctx, "test", ha.ServiceTurnOn, map[string]interface{}{
		ha.AttrEntityID: "test.lamp",
	})
	require.NoError(t, err)
	require.NotNil(t, hctx)
	assert.Len(t, hctx.ID, 32)

	lamp := hass.States.Get("test.lamp")
	assert.Equal(t, ha.StateOn, lamp.State)
	assert.Equal(t, hctx.ID, lamp.Context.ID)

	remote, err := client.State(ctx, "test.lamp")
	require.NoError(t, err)
	assert.Equal(t, hctx.ID, remote.Context.ID)
}

func TestClient_CallServiceErrors(t *testing.T) {
	_, url := lampServer(t)
	client := dial(t, url, clientToken)
	ctx := context.Background()

	_, err := client.CallService(ctx, "test", "explode", nil)
	var remote *ha.Error
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "not_found", remote.Code)

	_, err = client.CallService(ctx, "test", "fail", nil)
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "lamp is broken")

	// The connection survives failed calls
	assert.NoError(t, client.Ping(ctx))
}

func TestClient_SubscribeStateChanges(t *testing.T) {
	hass, url := lampServer(t)
	client := dial(t, url, clientToken)
	ctx := context.Background()

	var mu sync.Mutex
	var lamp, all []string
	record := func(into *[]string) ha.StateChangeHandler {
		return func(entityID string, _, newState *ha.State) {
			mu.Lock()
			defer mu.Unlock()
			if newState == nil {
				*into = append(*into, entityID+"=removed")
				return
			}
			*into = append(*into, entityID+"="+newState.State)
		}
	}

	lampSub, err := client.SubscribeStateChanges(ctx, "test.lamp", record(&lamp))
	require.NoError(t, err)
	_, err = client.SubscribeStateChanges(ctx, "", record(&all))
	require.NoError(t, err)

	_, err = client.CallService(ctx, "test", ha.ServiceTurnOn, nil)
	require.NoError(t, err)
	_, err = hass.States.Set("test.other", "idle", nil, false, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, lampSub.Unsubscribe())
	_, err = client.CallService(ctx, "test", ha.ServiceTurnOff, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(all) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"test.lamp=on"}, lamp)
	assert.Equal(t, []string{"test.lamp=on", "test.other=idle", "test.lamp=off"}, all)
}

func TestClient_Close(t *testing.T) {
	_, url := lampServer(t)
	client, err := ha.Dial(context.Background(), url, clientToken, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, client.Close())
	<-client.Done()

	_, err = client.States(context.Background())
	assert.ErrorIs(t, err, ha.ErrClientClosed)
}

func TestClient_ServerGoesAway(t *testing.T) {
	_, url := lampServer(t)

	logger, _ := zap.NewDevelopment()
	hass := ha.New(nil, logger)
	server := api.NewServer(hass, logger, 0, "")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client, err := ha.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/websocket", "", zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, server.Stop())

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the closed connection")
	}

	_, err = client.States(context.Background())
	assert.ErrorIs(t, err, ha.ErrClientClosed)

	// Other servers are unaffected
	other := dial(t, url, clientToken)
	assert.NoError(t, other.Ping(context.Background()))
}

func TestClient_RequestHonoursContext(t *testing.T) {
	_, url := lampServer(t)
	client := dial(t, url, clientToken)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.States(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
