package ha

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"homehelpers/internal/clock"

	"go.uber.org/zap"
)

// CoreState is the lifecycle phase of a Hass instance
type CoreState string

const (
	CoreStateNotRunning CoreState = "not_running"
	CoreStateStarting   CoreState = "starting"
	CoreStateRunning    CoreState = "running"
	CoreStateStopping   CoreState = "stopping"
)

// RestoreCache supplies the last known state of entities from before a
// restart
type RestoreCache interface {
	LastState(entityID string) (*State, bool)
}

// ConfigLoader re-reads the full configuration, keyed by domain. Reload
// services use it.
type ConfigLoader func() (map[string]interface{}, error)

// Hass ties the state machine, the service registry and the lifecycle
// together. It is what components are set up against.
type Hass struct {
	States   *StateMachine
	Services *ServiceRegistry

	logger *zap.Logger
	clock  clock.Clock

	mu           sync.RWMutex
	state        CoreState
	restoreCache RestoreCache
	configLoader ConfigLoader
	components   map[string]bool
	stopHooks    []func(ctx context.Context)
}

// New creates a Hass in the not_running state
func New(clk clock.Clock, logger *zap.Logger) *Hass {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hass{
		States:     NewStateMachine(clk, logger.Named("states")),
		Services:   NewServiceRegistry(logger.Named("services")),
		logger:     logger,
		clock:      clk,
		state:      CoreStateNotRunning,
		components: make(map[string]bool),
	}
}

// Logger returns the root logger
func (h *Hass) Logger() *zap.Logger {
	return h.logger
}

// Clock returns the time source
func (h *Hass) Clock() clock.Clock {
	return h.clock
}

// State returns the lifecycle phase
func (h *Hass) State() CoreState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// SetState moves hass to another lifecycle phase
func (h *Hass) SetState(state CoreState) {
	h.mu.Lock()
	old := h.state
	h.state = state
	h.mu.Unlock()

	if old != state {
		h.logger.Info("Core state changed",
			zap.String("from", string(old)),
			zap.String("to", string(state)))
	}
}

// Start marks hass as running. Service calls rejected by an earlier Stop
// are accepted again.
func (h *Hass) Start() {
	h.Services.Resume()
	h.SetState(CoreStateRunning)
}

// Stop rejects new service calls, waits for outstanding ones, runs the stop
// hooks in reverse registration order and leaves hass in not_running
func (h *Hass) Stop(ctx context.Context) {
	h.SetState(CoreStateStopping)
	h.Services.Stop()

	h.mu.Lock()
	hooks := h.stopHooks
	h.stopHooks = nil
	h.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i](ctx)
	}

	h.SetState(CoreStateNotRunning)
}

// OnStop registers a hook run during Stop
func (h *Hass) OnStop(hook func(ctx context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopHooks = append(h.stopHooks, hook)
}

// CallService dispatches through the service registry, refusing new calls
// once shutdown has begun
func (h *Hass) CallService(ctx context.Context, domain, service string, data map[string]interface{}, blocking bool, hctx *Context) error {
	if h.State() == CoreStateStopping {
		return fmt.Errorf("%w: %s.%s", ErrStopping, domain, service)
	}
	return h.Services.Call(ctx, domain, service, data, blocking, hctx)
}

// BlockTillDone waits for all pending non-blocking service calls
func (h *Hass) BlockTillDone() {
	h.Services.BlockTillDone()
}

// SetRestoreCache installs the cache consulted by LastState
func (h *Hass) SetRestoreCache(cache RestoreCache) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.restoreCache = cache
}

// LastState returns the state an entity had before the restart. The cache
// is only consulted while hass is starting up; afterwards it always misses.
func (h *Hass) LastState(entityID string) (*State, bool) {
	h.mu.RLock()
	cache := h.restoreCache
	state := h.state
	h.mu.RUnlock()

	if cache == nil {
		return nil, false
	}

	if state != CoreStateStarting && state != CoreStateNotRunning {
		h.logger.Debug("Restore cache is only available during startup",
			zap.String("entity_id", entityID),
			zap.String("core_state", string(state)))
		return nil, false
	}

	return cache.LastState(entityID)
}

// SetConfigLoader installs the loader used by reload services
func (h *Hass) SetConfigLoader(loader ConfigLoader) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configLoader = loader
}

// LoadConfig re-reads the configuration through the installed loader
func (h *Hass) LoadConfig() (map[string]interface{}, error) {
	h.mu.RLock()
	loader := h.configLoader
	h.mu.RUnlock()

	if loader == nil {
		return nil, fmt.Errorf("no configuration loader installed")
	}
	return loader()
}

// MarkLoaded records that a component finished setup
func (h *Hass) MarkLoaded(domain string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[domain] = true
}

// IsLoaded reports whether a component finished setup
func (h *Hass) IsLoaded(domain string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.components[domain]
}

// Components lists loaded component domains
func (h *Hass) Components() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.components))
	for domain := range h.components {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}
