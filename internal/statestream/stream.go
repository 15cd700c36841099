// Package statestream mirrors entity states to MQTT topics of the form
// <prefix>/<domain>/<object_id>/state with one more topic per attribute.
package statestream

import (
	"encoding/json"
	"strings"
	"sync"

	"homehelpers/internal/ha"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Publisher sends one message. MQTTPublisher is the production
// implementation.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
}

// Stream publishes every state change of a Hass instance. State writes
// only queue the change; a single goroutine does the publishing, so a slow
// broker never holds up a service call. Changes to the same entity that
// queue up faster than they are published collapse into the latest one.
type Stream struct {
	pub     Publisher
	prefix  string
	domains map[string]bool
	logger  *zap.Logger

	mu  sync.Mutex
	sub ha.Subscription

	queueMu sync.Mutex
	queue   []string
	pending map[string]*ha.State
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

// New creates a stream publishing below prefix. With no domains every
// domain is published.
func New(pub Publisher, prefix string, logger *zap.Logger, domains ...string) *Stream {
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[strings.ToLower(d)] = true
	}
	return &Stream{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "/"),
		domains: allowed,
		logger:  logger.Named("statestream"),
	}
}

// Start subscribes to changes and queues the current states
func (s *Stream) Start(hass *ha.Hass) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return nil
	}

	s.queueMu.Lock()
	s.queue = nil
	s.pending = make(map[string]*ha.State)
	s.wake = make(chan struct{}, 1)
	s.queueMu.Unlock()
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})

	sub, err := hass.States.SubscribeAll(func(entityID string, _, newState *ha.State) {
		s.enqueue(entityID, newState, true)
	})
	if err != nil {
		return err
	}
	s.sub = sub

	for _, state := range hass.States.All() {
		s.enqueue(state.EntityID, state, false)
	}

	go s.run(s.wake, s.stop, s.stopped)
	s.logger.Info("State stream started", zap.String("prefix", s.prefix))
	return nil
}

// Stop unsubscribes from state changes and waits until the queued changes
// are published
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
	s.sub = nil

	close(s.stop)
	<-s.stopped
}

// enqueue records the newest state of entityID. A snapshot (replace false)
// never overwrites a change that is already waiting.
func (s *Stream) enqueue(entityID string, state *ha.State, replace bool) {
	domain, _, ok := ha.SplitEntityID(entityID)
	if !ok || (len(s.domains) > 0 && !s.domains[domain]) {
		return
	}

	s.queueMu.Lock()
	_, waiting := s.pending[entityID]
	switch {
	case !waiting:
		s.queue = append(s.queue, entityID)
		s.pending[entityID] = state
	case replace:
		s.pending[entityID] = state
	}
	wake := s.wake
	s.queueMu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}
}

func (s *Stream) run(wake, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case <-wake:
			s.drain()
		case <-stop:
			s.drain()
			return
		}
	}
}

// drain publishes everything queued so far, oldest entity first
func (s *Stream) drain() {
	s.queueMu.Lock()
	queue, pending := s.queue, s.pending
	s.queue = nil
	s.pending = make(map[string]*ha.State)
	s.queueMu.Unlock()

	for _, entityID := range queue {
		s.publishState(entityID, pending[entityID])
	}
}

// Topic returns the topic of an entity's state or, with attr set, of one
// attribute
func (s *Stream) Topic(entityID, attr string) string {
	domain, objectID, _ := ha.SplitEntityID(entityID)
	if attr == "" {
		attr = "state"
	}
	return strings.Join([]string{s.prefix, domain, objectID, attr}, "/")
}

// publishState publishes a state. A nil state means the entity was removed
// and clears its retained state topic.
func (s *Stream) publishState(entityID string, state *ha.State) {
	if state == nil {
		if err := s.pub.Publish(s.Topic(entityID, ""), nil, true); err != nil {
			s.logger.Warn("Failed to clear state", zap.String("entity_id", entityID), zap.Error(err))
		}
		return
	}

	err := s.pub.Publish(s.Topic(entityID, ""), []byte(state.State), true)
	for attr, value := range state.Attributes {
		payload, jerr := json.Marshal(value)
		if jerr != nil {
			err = multierr.Append(err, jerr)
			continue
		}
		err = multierr.Append(err, s.pub.Publish(s.Topic(entityID, attr), payload, true))
	}

	if err != nil {
		s.logger.Warn("Failed to publish state",
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}
