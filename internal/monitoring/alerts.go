package monitoring

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

// ErrAlertNotFound is returned when an alert id is unknown.
var ErrAlertNotFound = errors.New("alert not found")

// UnrecordedActuation is raised when the controller confirmed an actuation
// but the sort log write failed. The item has physically moved and there is
// no durable trace of it until an operator intervenes.
type UnrecordedActuation struct {
	ID          string         `json:"id"`
	ActuationID string         `json:"actuation_id"`
	TypeID      sorting.TypeID `json:"type_id"`
	BinID       int            `json:"bin_id"`
	Error       string         `json:"error"`
	RaisedAt    time.Time      `json:"raised_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Resolved reports whether an operator has since recorded the actuation.
func (a UnrecordedActuation) Resolved() bool {
	return a.ResolvedAt != nil
}

// Alerts is the operator-visible critical signal sink. Open alerts are
// never evicted; resolved ones are dropped oldest-first once the sink holds
// more than its capacity.
type Alerts struct {
	mu       sync.Mutex
	items    []UnrecordedActuation
	capacity int
	raised   int

	logger *Logger
	clock  timeutil.Clock
}

// NewAlerts creates a sink. capacity <= 0 defaults to 256.
func NewAlerts(logger *Logger, clock timeutil.Clock, capacity int) *Alerts {
	if capacity <= 0 {
		capacity = 256
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Alerts{capacity: capacity, logger: logger, clock: clock}
}

// RaiseUnrecorded records and logs a persistence failure after a confirmed
// actuation.
func (a *Alerts) RaiseUnrecorded(actuationID string, typeID sorting.TypeID, binID int, cause error) UnrecordedActuation {
	alert := UnrecordedActuation{
		ID:          uuid.NewString(),
		ActuationID: actuationID,
		TypeID:      typeID,
		BinID:       binID,
		RaisedAt:    a.clock.Now(),
	}
	if cause != nil {
		alert.Error = cause.Error()
	}

	a.mu.Lock()
	a.items = append(a.items, alert)
	a.raised++
	a.evictLocked()
	a.mu.Unlock()

	a.logger.Criticalf("actuator moved item to bin %d but the sort log write failed (type_id=%d actuation=%s alert=%s): %v",
		binID, typeID, actuationID, alert.ID, cause)
	return alert
}

func (a *Alerts) evictLocked() {
	for len(a.items) > a.capacity {
		idx := -1
		for i, it := range a.items {
			if it.Resolved() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		a.items = append(a.items[:idx], a.items[idx+1:]...)
	}
}

// Get returns the alert with the given id.
func (a *Alerts) Get(id string) (UnrecordedActuation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range a.items {
		if it.ID == id {
			return it, nil
		}
	}
	return UnrecordedActuation{}, ErrAlertNotFound
}

// Resolve marks an alert as handled.
func (a *Alerts) Resolve(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.items {
		if a.items[i].ID != id {
			continue
		}
		if a.items[i].ResolvedAt == nil {
			now := a.clock.Now()
			a.items[i].ResolvedAt = &now
		}
		return nil
	}
	return ErrAlertNotFound
}

// List returns all retained alerts, oldest first.
func (a *Alerts) List() []UnrecordedActuation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]UnrecordedActuation, len(a.items))
	copy(out, a.items)
	return out
}

// OpenCount is the number of unresolved alerts.
func (a *Alerts) OpenCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, it := range a.items {
		if !it.Resolved() {
			n++
		}
	}
	return n
}

// RaisedTotal counts every alert ever raised, including evicted ones.
func (a *Alerts) RaisedTotal() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.raised
}
