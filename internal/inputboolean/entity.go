package inputboolean

import (
	"fmt"
	"sync"

	"homehelpers/internal/ha"

	"go.uber.org/zap"
)

// InputBoolean is a user-controlled on/off helper entity
type InputBoolean struct {
	hass   *ha.Hass
	logger *zap.Logger

	mu      sync.Mutex
	config  EntityConfig
	on      bool
	removed bool
}

func newInputBoolean(hass *ha.Hass, cfg EntityConfig, logger *zap.Logger) *InputBoolean {
	return &InputBoolean{
		hass:   hass,
		logger: logger.With(zap.String("entity_id", cfg.EntityID())),
		config: cfg,
	}
}

// EntityID returns input_boolean.<object id>
func (e *InputBoolean) EntityID() string {
	return e.config.EntityID()
}

// Name returns the configured friendly name, or "" when none was set
func (e *InputBoolean) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Name
}

// Icon returns the configured icon, or "" when none was set
func (e *InputBoolean) Icon() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config.Icon
}

// IsOn reports the current value
func (e *InputBoolean) IsOn() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.on
}

// State returns "on" or "off"
func (e *InputBoolean) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return stateString(e.on)
}

// Attributes returns the state attributes. friendly_name and icon are only
// present when configured.
func (e *InputBoolean) Attributes() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attributesLocked()
}

func (e *InputBoolean) attributesLocked() map[string]interface{} {
	attrs := make(map[string]interface{}, 2)
	if e.config.Name != "" {
		attrs[ha.AttrFriendlyName] = e.config.Name
	}
	if e.config.Icon != "" {
		attrs[ha.AttrIcon] = e.config.Icon
	}
	return attrs
}

// AddedToHass settles the starting value and writes the first state. A
// configured initial value wins; otherwise the entity is on only when the
// restore cache remembers it as on.
func (e *InputBoolean) AddedToHass(hctx *ha.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.config.Initial != nil:
		e.on = *e.config.Initial
		e.logger.Debug("Using configured initial value", zap.Bool("on", e.on))

	default:
		last, ok := e.hass.LastState(e.config.EntityID())
		e.on = ok && last != nil && last.State == ha.StateOn
		if ok {
			e.logger.Debug("Restored previous state", zap.Bool("on", e.on))
		}
	}

	return e.writeStateLocked(hctx)
}

// TurnOn switches the entity on
func (e *InputBoolean) TurnOn(hctx *ha.Context) error {
	return e.set(func(bool) bool { return true }, hctx)
}

// TurnOff switches the entity off
func (e *InputBoolean) TurnOff(hctx *ha.Context) error {
	return e.set(func(bool) bool { return false }, hctx)
}

// Toggle flips the entity
func (e *InputBoolean) Toggle(hctx *ha.Context) error {
	return e.set(func(on bool) bool { return !on }, hctx)
}

func (e *InputBoolean) set(next func(bool) bool, hctx *ha.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.on = next(e.on)
	return e.writeStateLocked(hctx)
}

// updateConfig swaps in a reloaded configuration. The current value is
// kept unless the new configuration sets an initial value.
func (e *InputBoolean) updateConfig(cfg EntityConfig, hctx *ha.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.config = cfg
	if cfg.Initial != nil {
		e.on = *cfg.Initial
	}
	return e.writeStateLocked(hctx)
}

// remove takes the entity out of the state machine for good. Service calls
// that resolved it earlier become no-ops.
func (e *InputBoolean) remove() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.removed = true
	e.hass.States.Remove(e.config.EntityID())
}

// writeStateLocked pushes the current value and attributes to the state
// machine. Callers hold e.mu so concurrent service calls are written in the
// order they were applied.
func (e *InputBoolean) writeStateLocked(hctx *ha.Context) error {
	if e.removed {
		e.logger.Debug("Ignoring write to removed entity")
		return nil
	}
	if _, err := e.hass.States.Set(e.config.EntityID(), stateString(e.on), e.attributesLocked(), false, hctx); err != nil {
		return fmt.Errorf("failed to write state for %s: %w", e.config.EntityID(), err)
	}
	return nil
}

func stateString(on bool) string {
	if on {
		return ha.StateOn
	}
	return ha.StateOff
}
