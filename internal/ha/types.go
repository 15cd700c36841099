package ha

import (
	"encoding/json"
	"time"
)

// Common state values
const (
	StateOn  = "on"
	StateOff = "off"
)

// Well-known attribute and service data keys
const (
	AttrEntityID     = "entity_id"
	AttrFriendlyName = "friendly_name"
	AttrIcon         = "icon"
)

// Common service names
const (
	ServiceTurnOn  = "turn_on"
	ServiceTurnOff = "turn_off"
	ServiceToggle  = "toggle"
	ServiceReload  = "reload"
)

// EventStateChanged is the only event type the bus carries
const EventStateChanged = "state_changed"

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`

	HAVersion string `json:"ha_version,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   *Context        `json:"context,omitempty"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state. Values handed out by the state machine
// are snapshots and must not be mutated.
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Domain returns the domain part of the entity id
func (s *State) Domain() string {
	domain, _, _ := SplitEntityID(s.EntityID)
	return domain
}

// ObjectID returns the object id part of the entity id
func (s *State) ObjectID() string {
	_, objectID, _ := SplitEntityID(s.EntityID)
	return objectID
}

// clone returns a copy whose attribute map can be handed out safely
func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Attributes = copyAttributes(s.Attributes)
	if s.Context != nil {
		ctx := *s.Context
		c.Context = &ctx
	}
	return &c
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      *ServiceTarget         `json:"target,omitempty"`
}

// ServiceTarget represents service call target
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// UnsubscribeEventsRequest cancels a subscribe_events subscription
type UnsubscribeEventsRequest struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Subscription int    `json:"subscription"`
}

// CallServiceResult is the result payload of a call_service response
type CallServiceResult struct {
	Context *Context `json:"context"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscription removes one subscriberEntry from whichever registry created it
type subscription struct {
	entityID string
	subID    int
	remove   func(entityID string, subID int) error
}

func (s *subscription) Unsubscribe() error {
	return s.remove(s.entityID, s.subID)
}

// removeSubscriber drops the entry with subID from subs[entityID]
func removeSubscriber(subs map[string][]subscriberEntry, entityID string, subID int) {
	entries, ok := subs[entityID]
	if !ok {
		return
	}

	for i, entry := range entries {
		if entry.subID == subID {
			subs[entityID] = append(entries[:i], entries[i+1:]...)
			if len(subs[entityID]) == 0 {
				delete(subs, entityID)
			}
			return
		}
	}
}

func copyAttributes(attrs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
