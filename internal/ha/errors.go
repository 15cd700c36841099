package ha

import "errors"

// Sentinel errors returned by the state machine and service registry.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrServiceNotFound is returned when calling a service nobody registered.
	ErrServiceNotFound = errors.New("service not found")

	// ErrInvalidServiceData is returned when service data fails the schema.
	ErrInvalidServiceData = errors.New("invalid service data")

	// ErrInvalidEntityID is returned when writing a malformed entity id.
	ErrInvalidEntityID = errors.New("invalid entity id")

	// ErrEntityNotFound is returned by lookups for unknown entities.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrStopping is returned for service calls made while hass shuts down.
	ErrStopping = errors.New("hass is stopping")
)
