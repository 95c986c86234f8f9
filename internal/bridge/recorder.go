package bridge

import (
	"fmt"
	"time"

	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

// SortLogStore is the durable sink for confirmed actuations. *db.DB
// implements it.
type SortLogStore interface {
	RecordSort(actuationID string, typeID sorting.TypeID, binID int, loggedAt time.Time) (sorting.SortLogEntry, error)
}

// PersistenceError means the controller confirmed an actuation that could not
// be written to the sort log. The physical action cannot be undone, so this
// is escalated rather than retried.
type PersistenceError struct {
	ActuationID string
	TypeID      sorting.TypeID
	BinID       int
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("actuation %s (type %v -> bin %d) not recorded: %v", e.ActuationID, e.TypeID, e.BinID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Recorder writes one sort log entry per confirmed actuation. It reports
// failures but never decides to retry.
type Recorder struct {
	store  SortLogStore
	clock  timeutil.Clock
	logger *monitoring.Logger
}

// NewRecorder returns a recorder writing to store.
func NewRecorder(store SortLogStore, logger *monitoring.Logger) *Recorder {
	return &Recorder{store: store, clock: timeutil.RealClock{}, logger: logger.With("recorder")}
}

// SetClock replaces the clock used for logged_at.
func (r *Recorder) SetClock(c timeutil.Clock) {
	r.clock = c
}

// Record persists the actuation. Any store failure is returned as a
// *PersistenceError.
func (r *Recorder) Record(actuationID string, typeID sorting.TypeID, binID int) (sorting.SortLogEntry, error) {
	entry, err := r.store.RecordSort(actuationID, typeID, binID, r.clock.Now())
	if err != nil {
		return sorting.SortLogEntry{}, &PersistenceError{
			ActuationID: actuationID,
			TypeID:      typeID,
			BinID:       binID,
			Err:         err,
		}
	}
	r.logger.Printf("recorded %s: type %v -> bin %d", actuationID, typeID, binID)
	return entry, nil
}
