// Package component provides the registry that components add themselves to
// from init() functions, and the setup routine that brings registered
// components up against a Hass instance. Registration supports priority
// override so a private build can replace a public component at compile time.
package component

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"homehelpers/internal/ha"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Priority constants for component registration.
// Higher priority values override lower priority components of the same domain.
const (
	// PriorityDefault is the default priority for components.
	PriorityDefault = 0

	// PriorityOverride is used by private implementations to replace a
	// public component.
	PriorityOverride = 100
)

// defaultOrder is used when Info.Order is left at zero
const defaultOrder = 50

// SetupFunc validates the component's configuration section and creates its
// entities and services. config is the full configuration keyed by domain.
type SetupFunc func(ctx context.Context, hass *ha.Hass, config map[string]interface{}) error

// Info contains metadata about a registered component.
type Info struct {
	// Domain is the unique identifier for the component and the
	// configuration key its section lives under.
	Domain string

	// Description is a human-readable description of the component.
	Description string

	// Priority determines which registration wins when several register
	// the same domain. Higher priority wins.
	Priority int

	// Order specifies the setup order. Lower values set up first.
	// Default is 50.
	Order int

	// Setup brings the component up.
	Setup SetupFunc
}

// Registry manages component registration and setup.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Info
	order      []string
}

// NewRegistry creates a new component registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]Info),
		order:      make([]string, 0),
	}
}

// Register adds a component to the registry.
// If the domain is already registered, the one with higher priority wins.
// If priorities are equal, the later registration wins.
func (r *Registry) Register(info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.Domain == "" {
		return fmt.Errorf("component domain cannot be empty")
	}

	if info.Setup == nil {
		return fmt.Errorf("component %s: setup cannot be nil", info.Domain)
	}

	if info.Order == 0 {
		info.Order = defaultOrder
	}

	existing, exists := r.components[info.Domain]
	if exists {
		if info.Priority < existing.Priority {
			log.Printf("Component %q registration skipped (priority %d < existing %d)",
				info.Domain, info.Priority, existing.Priority)
			return nil
		}

		log.Printf("Component %q being overridden (priority %d -> %d)",
			info.Domain, existing.Priority, info.Priority)
	}

	r.components[info.Domain] = info

	if !exists {
		r.order = append(r.order, info.Domain)
	}

	return nil
}

// Get returns the info for a domain, or nil if not found.
func (r *Registry) Get(domain string) *Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.components[domain]
	if !ok {
		return nil
	}
	return &info
}

// List returns all registered components sorted by setup order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.components))
	for _, domain := range r.order {
		result = append(result, r.components[domain])
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Domain < result[j].Domain
	})

	return result
}

// Domains returns the registered domains in registration order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Clear removes all registered components. Useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components = make(map[string]Info)
	r.order = make([]string, 0)
}

// SetupComponent sets up one domain and reports whether it is loaded
// afterwards. A failing setup is logged, leaves nothing behind in the
// loaded set and returns false. Setting up an already loaded domain is a
// no-op.
func (r *Registry) SetupComponent(ctx context.Context, hass *ha.Hass, domain string, config map[string]interface{}) bool {
	logger := hass.Logger().Named("setup").With(zap.String("domain", domain))

	if hass.IsLoaded(domain) {
		return true
	}

	info := r.Get(domain)
	if info == nil {
		logger.Error("Component not found")
		return false
	}

	if err := info.Setup(ctx, hass, config); err != nil {
		logger.Error("Invalid config, component setup failed", zap.Error(err))
		return false
	}

	hass.MarkLoaded(domain)
	logger.Info("Component set up")
	return true
}

// SetupAll sets up, in order, every registered component whose domain has a
// section in config. Failures do not stop the remaining components; they
// are returned together.
func (r *Registry) SetupAll(ctx context.Context, hass *ha.Hass, config map[string]interface{}) error {
	var errs error
	for _, info := range r.List() {
		if _, ok := config[info.Domain]; !ok {
			continue
		}
		if !r.SetupComponent(ctx, hass, info.Domain, config) {
			errs = multierr.Append(errs, fmt.Errorf("failed to set up component %s", info.Domain))
		}
	}
	return errs
}

// Global registry instance
var globalRegistry = NewRegistry()

// Register adds a component to the global registry.
// This is typically called from init() functions in component packages.
func Register(info Info) error {
	return globalRegistry.Register(info)
}

// MustRegister is Register for init() functions; it panics on error.
func MustRegister(info Info) {
	if err := Register(info); err != nil {
		panic(err)
	}
}

// Get returns component info from the global registry.
func Get(domain string) *Info {
	return globalRegistry.Get(domain)
}

// List returns all components from the global registry.
func List() []Info {
	return globalRegistry.List()
}

// Domains returns all domains from the global registry.
func Domains() []string {
	return globalRegistry.Domains()
}

// SetupComponent sets up a domain from the global registry.
func SetupComponent(ctx context.Context, hass *ha.Hass, domain string, config map[string]interface{}) bool {
	return globalRegistry.SetupComponent(ctx, hass, domain, config)
}

// SetupAll sets up every configured component from the global registry.
func SetupAll(ctx context.Context, hass *ha.Hass, config map[string]interface{}) error {
	return globalRegistry.SetupAll(ctx, hass, config)
}
