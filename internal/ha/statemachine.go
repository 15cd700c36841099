package ha

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"homehelpers/internal/clock"

	"go.uber.org/zap"
)

// allEntities is the subscriber key for listeners interested in every entity
const allEntities = ""

// StateMachine holds the current state of every entity and fires
// state_changed to subscribers on each write
type StateMachine struct {
	clock  clock.Clock
	logger *zap.Logger

	states   map[string]*State
	statesMu sync.RWMutex

	subscribers map[string][]subscriberEntry
	subsMu      sync.RWMutex
	nextSubID   int
}

// NewStateMachine creates an empty state machine
func NewStateMachine(clk clock.Clock, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		clock:       clk,
		logger:      logger,
		states:      make(map[string]*State),
		subscribers: make(map[string][]subscriberEntry),
	}
}

// Get returns the state of an entity or nil when it does not exist
func (sm *StateMachine) Get(entityID string) *State {
	sm.statesMu.RLock()
	defer sm.statesMu.RUnlock()
	return sm.states[strings.ToLower(entityID)].clone()
}

// All returns every state sorted by entity id
func (sm *StateMachine) All() []*State {
	sm.statesMu.RLock()
	states := make([]*State, 0, len(sm.states))
	for _, s := range sm.states {
		states = append(states, s.clone())
	}
	sm.statesMu.RUnlock()

	sort.Slice(states, func(i, j int) bool {
		return states[i].EntityID < states[j].EntityID
	})
	return states
}

// EntityIDs lists entity ids, optionally restricted to one domain
func (sm *StateMachine) EntityIDs(domainFilter ...string) []string {
	filter := ""
	if len(domainFilter) > 0 {
		filter = strings.ToLower(domainFilter[0])
	}

	sm.statesMu.RLock()
	ids := make([]string, 0, len(sm.states))
	for id := range sm.states {
		if filter != "" {
			if domain, _, _ := SplitEntityID(id); domain != filter {
				continue
			}
		}
		ids = append(ids, id)
	}
	sm.statesMu.RUnlock()

	sort.Strings(ids)
	return ids
}

// IsState reports whether the entity exists and has the given state
func (sm *StateMachine) IsState(entityID, state string) bool {
	sm.statesMu.RLock()
	defer sm.statesMu.RUnlock()

	current, ok := sm.states[strings.ToLower(entityID)]
	return ok && current.State == state
}

// Set writes a state. When neither the state string nor the attributes
// change and forceUpdate is false, nothing is written and no event fires.
// LastChanged only advances when the state string changes. A nil ctx gets
// a fresh context.
func (sm *StateMachine) Set(entityID, newState string, attributes map[string]interface{}, forceUpdate bool, ctx *Context) (*State, error) {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEntityID, entityID)
	}

	attrs := copyAttributes(attributes)

	sm.statesMu.Lock()
	old := sm.states[entityID]

	sameState := old != nil && old.State == newState
	if sameState && !forceUpdate && reflect.DeepEqual(old.Attributes, attrs) {
		sm.statesMu.Unlock()
		return old.clone(), nil
	}

	if ctx == nil {
		ctx = NewContext("")
	}

	now := sm.clock.Now()
	lastChanged := now
	if sameState {
		lastChanged = old.LastChanged
	}

	state := &State{
		EntityID:    entityID,
		State:       newState,
		Attributes:  attrs,
		LastChanged: lastChanged,
		LastUpdated: now,
		Context:     ctx,
	}
	sm.states[entityID] = state
	sm.statesMu.Unlock()

	sm.logger.Debug("State written",
		zap.String("entity_id", entityID),
		zap.String("state", newState),
		zap.String("context_id", ctx.ID))

	sm.notify(entityID, old.clone(), state.clone())
	return state.clone(), nil
}

// Remove deletes an entity. It fires state_changed with a nil new state and
// reports whether the entity existed.
func (sm *StateMachine) Remove(entityID string) bool {
	entityID = strings.ToLower(entityID)

	sm.statesMu.Lock()
	old, ok := sm.states[entityID]
	delete(sm.states, entityID)
	sm.statesMu.Unlock()

	if !ok {
		return false
	}

	sm.notify(entityID, old.clone(), nil)
	return true
}

// SubscribeStateChanges registers handler for one entity. An empty entityID
// subscribes to every entity.
func (sm *StateMachine) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	entityID = strings.ToLower(entityID)

	sm.subsMu.Lock()
	subID := sm.nextSubID
	sm.nextSubID++
	sm.subscribers[entityID] = append(sm.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	sm.subsMu.Unlock()

	return &subscription{
		entityID: entityID,
		subID:    subID,
		remove:   sm.unsubscribe,
	}, nil
}

// SubscribeAll registers handler for every entity
func (sm *StateMachine) SubscribeAll(handler StateChangeHandler) (Subscription, error) {
	return sm.SubscribeStateChanges(allEntities, handler)
}

func (sm *StateMachine) unsubscribe(entityID string, subID int) error {
	sm.subsMu.Lock()
	defer sm.subsMu.Unlock()
	removeSubscriber(sm.subscribers, entityID, subID)
	return nil
}

// notify runs handlers synchronously, in subscription order, outside all locks
func (sm *StateMachine) notify(entityID string, oldState, newState *State) {
	sm.subsMu.RLock()
	entries := append([]subscriberEntry(nil), sm.subscribers[entityID]...)
	entries = append(entries, sm.subscribers[allEntities]...)
	sm.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
