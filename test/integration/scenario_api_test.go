package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"homehelpers/internal/api"
	"homehelpers/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postService(t *testing.T, inst *instance, path, body, user string) []*ha.State {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, inst.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if user != "" {
		req.Header.Set(api.UserHeader, user)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var changed []*ha.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&changed))
	return changed
}

// TestScenario_ContextReachesSubscribers follows a REST call attributed to a
// user through to a WebSocket subscriber
func TestScenario_ContextReachesSubscribers(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `input_boolean:
  ac:
    initial: true
`)
	inst := startInstance(t, dir)

	var mu sync.Mutex
	var seen []*ha.State
	_, err := inst.client.SubscribeStateChanges(context.Background(), "input_boolean.ac", func(_ string, _, newState *ha.State) {
		mu.Lock()
		seen = append(seen, newState)
		mu.Unlock()
	})
	require.NoError(t, err)

	t.Log("WHEN: User abcd turns ac off over REST")
	changed := postService(t, inst, "/api/services/input_boolean/turn_off",
		`{"entity_id": "input_boolean.ac"}`, "abcd")

	t.Log("THEN: The response and the pushed event carry the user")
	require.Len(t, changed, 1)
	assert.Equal(t, ha.StateOff, changed[0].State)
	assert.Equal(t, "abcd", changed[0].Context.UserID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, changed[0].Context.ID, seen[0].Context.ID)
	mu.Unlock()

	t.Log("WHEN: A WebSocket client toggles ac")
	hctx := inst.call(t, ha.ServiceToggle, "ac")

	t.Log("THEN: The pushed event carries the context returned to the caller")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ha.StateOn, seen[1].State)
	assert.Equal(t, hctx.ID, seen[1].Context.ID)
	assert.Empty(t, seen[1].Context.UserID)
}

// TestScenario_ReloadPicksUpConfigChanges edits the configuration file of a
// running instance and calls reload
func TestScenario_ReloadPicksUpConfigChanges(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `input_boolean:
  keep:
  drop:
`)
	inst := startInstance(t, dir)
	postService(t, inst, "/api/services/input_boolean/turn_on", `{"entity_id": "input_boolean.keep"}`, "")

	writeConfig(t, dir, `input_boolean:
  keep:
    icon: mdi:lightbulb
  fresh:
`)
	postService(t, inst, "/api/services/input_boolean/reload", "", "")

	states, err := inst.client.States(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(states))
	for _, s := range states {
		ids = append(ids, s.EntityID)
	}
	assert.ElementsMatch(t, []string{"input_boolean.keep", "input_boolean.fresh"}, ids)

	keep := inst.state(t, "input_boolean.keep")
	assert.Equal(t, ha.StateOn, keep.State)
	assert.Equal(t, "mdi:lightbulb", keep.Attributes[ha.AttrIcon])
}
