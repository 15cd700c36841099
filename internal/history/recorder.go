// Package history records entity state changes as InfluxDB points.
package history

import (
	"strconv"
	"strings"
	"sync"

	"homehelpers/internal/ha"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// Measurement is the InfluxDB measurement every state point is written to
const Measurement = "state"

// PointWriter accepts points. InfluxWriter and api.WriteAPI implement it.
type PointWriter interface {
	WritePoint(p *write.Point)
}

// Recorder writes one point per state change
type Recorder struct {
	w       PointWriter
	domains map[string]bool
	logger  *zap.Logger

	mu  sync.Mutex
	sub ha.Subscription
}

// NewRecorder creates a recorder. With no domains every domain is recorded.
func NewRecorder(w PointWriter, logger *zap.Logger, domains ...string) *Recorder {
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[strings.ToLower(d)] = true
	}
	return &Recorder{
		w:       w,
		domains: allowed,
		logger:  logger.Named("history"),
	}
}

// Start subscribes to state changes
func (r *Recorder) Start(hass *ha.Hass) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		return nil
	}

	sub, err := hass.States.SubscribeAll(func(entityID string, _, newState *ha.State) {
		if newState == nil {
			return
		}
		if len(r.domains) > 0 && !r.domains[newState.Domain()] {
			return
		}
		r.w.WritePoint(Point(newState))
	})
	if err != nil {
		return err
	}
	r.sub = sub
	r.logger.Info("History recorder started")
	return nil
}

// Stop unsubscribes from state changes
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
}

// Point converts a state to its InfluxDB point. The value field is 1 or 0
// for on and off, the number itself for numeric states, and absent
// otherwise.
func Point(state *ha.State) *write.Point {
	fields := map[string]interface{}{
		"state": state.State,
	}
	if value, ok := numericValue(state.State); ok {
		fields["value"] = value
	}
	if state.Context != nil && state.Context.UserID != "" {
		fields["user_id"] = state.Context.UserID
	}

	return influxdb2.NewPoint(Measurement,
		map[string]string{
			"domain":    state.Domain(),
			"entity_id": state.EntityID,
		},
		fields,
		state.LastUpdated)
}

func numericValue(s string) (float64, bool) {
	switch s {
	case ha.StateOn:
		return 1, true
	case ha.StateOff:
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
