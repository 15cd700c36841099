package integration

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"homehelpers/internal/api"
	"homehelpers/internal/config"
	"homehelpers/internal/ha"
	"homehelpers/internal/inputboolean"
	"homehelpers/internal/restore"
	"homehelpers/pkg/component"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "test_token_12345"

// instance is one run of the service against a data directory, wired the
// way cmd/homehelpers wires it
type instance struct {
	hass   *ha.Hass
	store  *restore.Store
	server *api.Server
	http   *httptest.Server
	client *ha.Client
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	err := os.WriteFile(filepath.Join(dir, "configuration.yaml"), []byte(content), 0644)
	require.NoError(t, err)
}

func startInstance(t *testing.T, dir string) *instance {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	ctx := context.Background()

	store, err := restore.Open(restore.Config{
		Path:    filepath.Join(dir, "restore.db"),
		Domains: []string{inputboolean.Domain},
	}, nil, logger)
	require.NoError(t, err)

	cache, err := store.Load(ctx)
	require.NoError(t, err)

	hass := ha.New(nil, logger)
	hass.SetRestoreCache(cache)
	hass.SetState(ha.CoreStateStarting)

	loader := config.NewLoader(filepath.Join(dir, "configuration.yaml"), logger)
	hass.SetConfigLoader(loader.Load)

	cfg, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, component.SetupAll(ctx, hass, cfg))

	store.StartPeriodicDump(hass)

	server := api.NewServer(hass, logger, 0, testToken)
	ts := httptest.NewServer(server.Handler())
	hass.Start()

	client, err := ha.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/api/websocket", testToken, logger)
	require.NoError(t, err)

	inst := &instance{hass: hass, store: store, server: server, http: ts, client: client}
	t.Cleanup(inst.stop)
	return inst
}

// stop shuts the instance down the way a SIGTERM would. It is safe to call
// twice.
func (i *instance) stop() {
	if i.client == nil {
		return
	}
	i.client.Close()
	i.server.Stop()
	i.http.Close()
	i.hass.Stop(context.Background())
	i.store.Close()
	i.client = nil
}

// call runs an input_boolean service for one helper over the WebSocket API
// and returns the context the server attached to it
func (i *instance) call(t *testing.T, service, objectID string) *ha.Context {
	t.Helper()
	hctx, err := i.client.CallService(context.Background(), inputboolean.Domain, service, map[string]interface{}{
		ha.AttrEntityID: inputboolean.Domain + "." + objectID,
	})
	require.NoError(t, err)
	require.NotNil(t, hctx)
	return hctx
}

func (i *instance) state(t *testing.T, entityID string) *ha.State {
	t.Helper()
	s, err := i.client.State(context.Background(), entityID)
	require.NoError(t, err)
	return s
}
