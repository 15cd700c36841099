package ha

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ServiceCall is handed to a service handler
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Context *Context
}

// ServiceHandler executes a service call
type ServiceHandler func(ctx context.Context, call *ServiceCall) error

// ServiceSchema validates and normalises service data before the handler
// sees it
type ServiceSchema func(data map[string]interface{}) (map[string]interface{}, error)

type service struct {
	handler ServiceHandler
	schema  ServiceSchema
}

// ServiceRegistry dispatches service calls to registered handlers
type ServiceRegistry struct {
	logger *zap.Logger

	services map[string]map[string]service
	mu       sync.RWMutex

	// callMu guards the in-flight count of non-blocking calls and the
	// stopping flag, so no call can start once Stop has begun waiting
	callMu   sync.Mutex
	idle     *sync.Cond
	inFlight int
	stopping bool
}

// NewServiceRegistry creates an empty registry
func NewServiceRegistry(logger *zap.Logger) *ServiceRegistry {
	r := &ServiceRegistry{
		logger:   logger,
		services: make(map[string]map[string]service),
	}
	r.idle = sync.NewCond(&r.callMu)
	return r
}

// Register adds or replaces a service. schema may be nil.
func (r *ServiceRegistry) Register(domain, name string, handler ServiceHandler, schema ServiceSchema) {
	domain, name = strings.ToLower(domain), strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.services[domain] == nil {
		r.services[domain] = make(map[string]service)
	}
	r.services[domain][name] = service{handler: handler, schema: schema}

	r.logger.Debug("Service registered",
		zap.String("domain", domain),
		zap.String("service", name))
}

// Has reports whether a service is registered
func (r *ServiceRegistry) Has(domain, name string) bool {
	_, ok := r.lookup(domain, name)
	return ok
}

// Remove unregisters a service
func (r *ServiceRegistry) Remove(domain, name string) {
	domain, name = strings.ToLower(domain), strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.services[domain], name)
	if len(r.services[domain]) == 0 {
		delete(r.services, domain)
	}
}

// Services lists registered service names by domain, sorted
func (r *ServiceRegistry) Services() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.services))
	for domain, services := range r.services {
		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)
		out[domain] = names
	}
	return out
}

func (r *ServiceRegistry) lookup(domain, name string) (service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	svc, ok := r.services[strings.ToLower(domain)][strings.ToLower(name)]
	return svc, ok
}

// Call runs a service. Lookup and schema validation always happen
// synchronously so the caller sees those errors. When blocking is false the
// handler runs on its own goroutine and its error is only logged. A nil hctx
// gets a fresh context.
func (r *ServiceRegistry) Call(ctx context.Context, domain, name string, data map[string]interface{}, blocking bool, hctx *Context) error {
	svc, ok := r.lookup(domain, name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrServiceNotFound, domain, name)
	}

	if data == nil {
		data = map[string]interface{}{}
	}
	if svc.schema != nil {
		validated, err := svc.schema(data)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidServiceData, domain, name, err)
		}
		data = validated
	}

	if hctx == nil {
		hctx = NewContext("")
	}

	call := &ServiceCall{
		Domain:  strings.ToLower(domain),
		Service: strings.ToLower(name),
		Data:    data,
		Context: hctx,
	}

	r.callMu.Lock()
	if r.stopping {
		r.callMu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrStopping, domain, name)
	}
	if blocking {
		r.callMu.Unlock()
		return svc.handler(ctx, call)
	}
	r.inFlight++
	r.callMu.Unlock()

	go func() {
		defer r.callDone()
		if err := svc.handler(context.WithoutCancel(ctx), call); err != nil {
			r.logger.Error("Service call failed",
				zap.String("domain", call.Domain),
				zap.String("service", call.Service),
				zap.Error(err))
		}
	}()

	return nil
}

func (r *ServiceRegistry) callDone() {
	r.callMu.Lock()
	r.inFlight--
	if r.inFlight == 0 {
		r.idle.Broadcast()
	}
	r.callMu.Unlock()
}

// BlockTillDone waits for every non-blocking call started so far
func (r *ServiceRegistry) BlockTillDone() {
	r.callMu.Lock()
	defer r.callMu.Unlock()
	for r.inFlight > 0 {
		r.idle.Wait()
	}
}

// Stop rejects new calls with ErrStopping and waits for the non-blocking
// calls already running
func (r *ServiceRegistry) Stop() {
	r.callMu.Lock()
	defer r.callMu.Unlock()
	r.stopping = true
	for r.inFlight > 0 {
		r.idle.Wait()
	}
}

// Resume accepts calls again after Stop
func (r *ServiceRegistry) Resume() {
	r.callMu.Lock()
	r.stopping = false
	r.callMu.Unlock()
}
