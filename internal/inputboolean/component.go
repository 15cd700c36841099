// Package inputboolean implements the input_boolean helper: named on/off
// entities configured in YAML, driven by the turn_on, turn_off, toggle and
// reload services, and restored across restarts.
package inputboolean

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"homehelpers/internal/ha"
	"homehelpers/pkg/component"

	"go.uber.org/zap"
)

// Domain is the component and entity domain
const Domain = "input_boolean"

// Configuration keys
const (
	ConfName    = "name"
	ConfIcon    = "icon"
	ConfInitial = "initial"
)

func init() {
	component.MustRegister(component.Info{
		Domain:      Domain,
		Description: "User-controlled on/off helpers",
		Priority:    component.PriorityDefault,
		Setup: func(ctx context.Context, hass *ha.Hass, config map[string]interface{}) error {
			_, err := Setup(ctx, hass, config)
			return err
		},
	})
}

// Component owns every input_boolean entity of one Hass instance
type Component struct {
	hass   *ha.Hass
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]*InputBoolean
}

// Setup validates the input_boolean section of config, creates its
// entities and registers the domain services. Nothing is created when the
// configuration is invalid.
func Setup(ctx context.Context, hass *ha.Hass, config map[string]interface{}) (*Component, error) {
	configs, err := ValidateConfig(config[Domain])
	if err != nil {
		return nil, err
	}

	c := &Component{
		hass:     hass,
		logger:   hass.Logger().Named(Domain),
		entities: make(map[string]*InputBoolean),
	}

	hctx := ha.NewContext("")
	for _, cfg := range configs {
		if err := c.addEntity(cfg, hctx); err != nil {
			return nil, err
		}
	}

	schema := entityServiceSchema
	hass.Services.Register(Domain, ha.ServiceTurnOn, c.handleEntityService, schema)
	hass.Services.Register(Domain, ha.ServiceTurnOff, c.handleEntityService, schema)
	hass.Services.Register(Domain, ha.ServiceToggle, c.handleEntityService, schema)
	hass.Services.Register(Domain, ha.ServiceReload, c.handleReload, emptySchema)

	c.logger.Info("Input booleans set up", zap.Int("count", len(configs)))
	return c, nil
}

// Entity returns the entity with the given entity id
func (c *Component) Entity(entityID string) (*InputBoolean, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[entityID]
	return e, ok
}

// EntityIDs lists the entity ids owned by the component, sorted
func (c *Component) EntityIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Component) addEntity(cfg EntityConfig, hctx *ha.Context) error {
	entity := newInputBoolean(c.hass, cfg, c.logger)
	if err := entity.AddedToHass(hctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.entities[entity.EntityID()] = entity
	c.mu.Unlock()
	return nil
}

// targets resolves the entity_id service field. Without it every entity is
// targeted; unknown ids are skipped.
func (c *Component) targets(data map[string]interface{}) []*InputBoolean {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids, ok := data[ha.AttrEntityID].([]string)
	if !ok {
		all := make([]*InputBoolean, 0, len(c.entities))
		for _, id := range sortedKeys(c.entities) {
			all = append(all, c.entities[id])
		}
		return all
	}

	out := make([]*InputBoolean, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.entities[id]; ok {
			out = append(out, e)
		} else {
			c.logger.Debug("Ignoring unknown entity", zap.String("entity_id", id))
		}
	}
	return out
}

func (c *Component) handleEntityService(ctx context.Context, call *ha.ServiceCall) error {
	for _, entity := range c.targets(call.Data) {
		var err error
		switch call.Service {
		case ha.ServiceTurnOn:
			err = entity.TurnOn(call.Context)
		case ha.ServiceTurnOff:
			err = entity.TurnOff(call.Context)
		case ha.ServiceToggle:
			err = entity.Toggle(call.Context)
		default:
			return fmt.Errorf("%w: %s.%s", ha.ErrServiceNotFound, call.Domain, call.Service)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// handleReload re-reads the configuration. Entities that disappeared are
// removed, new ones are added (and may restore state if hass is still
// starting) and the rest keep their value unless initial is set.
func (c *Component) handleReload(ctx context.Context, call *ha.ServiceCall) error {
	full, err := c.hass.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	configs, err := ValidateConfig(full[Domain])
	if err != nil {
		return err
	}

	wanted := make(map[string]EntityConfig, len(configs))
	for _, cfg := range configs {
		wanted[cfg.EntityID()] = cfg
	}

	c.mu.Lock()
	var removed []*InputBoolean
	for id, e := range c.entities {
		if _, ok := wanted[id]; !ok {
			delete(c.entities, id)
			removed = append(removed, e)
		}
	}
	existing := make(map[string]*InputBoolean, len(c.entities))
	for id, e := range c.entities {
		existing[id] = e
	}
	c.mu.Unlock()

	for _, e := range removed {
		e.remove()
	}

	added := 0
	for _, cfg := range configs {
		if entity, ok := existing[cfg.EntityID()]; ok {
			if err := entity.updateConfig(cfg, call.Context); err != nil {
				return err
			}
			continue
		}
		if err := c.addEntity(cfg, call.Context); err != nil {
			return err
		}
		added++
	}

	c.logger.Info("Input booleans reloaded",
		zap.Int("total", len(configs)),
		zap.Int("added", added),
		zap.Int("removed", len(removed)))
	return nil
}

// entityServiceSchema accepts an optional entity_id and nothing else
func entityServiceSchema(data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, 1)
	for key, value := range data {
		if key != ha.AttrEntityID {
			return nil, fmt.Errorf("extra key %q not allowed", key)
		}
		ids, err := ha.ParseEntityIDs(value)
		if err != nil {
			return nil, err
		}
		out[ha.AttrEntityID] = ids
	}
	return out, nil
}

func emptySchema(data map[string]interface{}) (map[string]interface{}, error) {
	for key := range data {
		return nil, fmt.Errorf("extra key %q not allowed", key)
	}
	return data, nil
}

func sortedKeys(m map[string]*InputBoolean) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsOn reports whether the entity is currently on
func IsOn(hass *ha.Hass, entityID string) bool {
	return hass.States.IsState(entityID, ha.StateOn)
}

// TurnOn schedules turn_on for entityID without waiting for it
func TurnOn(ctx context.Context, hass *ha.Hass, entityID string) error {
	return callEntityService(ctx, hass, ha.ServiceTurnOn, entityID)
}

// TurnOff schedules turn_off for entityID without waiting for it
func TurnOff(ctx context.Context, hass *ha.Hass, entityID string) error {
	return callEntityService(ctx, hass, ha.ServiceTurnOff, entityID)
}

// Toggle schedules toggle for entityID without waiting for it
func Toggle(ctx context.Context, hass *ha.Hass, entityID string) error {
	return callEntityService(ctx, hass, ha.ServiceToggle, entityID)
}

func callEntityService(ctx context.Context, hass *ha.Hass, service, entityID string) error {
	return hass.CallService(ctx, Domain, service, map[string]interface{}{
		ha.AttrEntityID: entityID,
	}, false, nil)
}
