package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

// ErrJobNotFound is returned for unknown or evicted tickets.
var ErrJobNotFound = errors.New("job not found")

// JobState tracks a ticket from acceptance to its final outcome.
type JobState string

const (
	JobQueued JobState = "queued"
	// JobDone means the controller confirmed and the sort log holds the entry.
	JobDone JobState = "done"
	// JobFailed means the controller did not confirm. Nothing was recorded.
	JobFailed JobState = "failed"
	// JobUnrecorded means the item moved but the sort log write failed.
	JobUnrecorded JobState = "unrecorded"
)

// Ticket acknowledges an accepted request. Its ID is also the actuation id
// stored with the sort log entry.
type Ticket struct {
	ID         string         `json:"ticket"`
	TypeID     sorting.TypeID `json:"type_id"`
	AcceptedAt time.Time      `json:"accepted_at"`
}

// Job is the observable state of one ticket.
type Job struct {
	Ticket
	State     JobState                  `json:"state"`
	Outcome   *sorting.ActuationOutcome `json:"outcome,omitempty"`
	Entry     *sorting.SortLogEntry     `json:"sort_log,omitempty"`
	AlertID   string                    `json:"alert_id,omitempty"`
	Error     string                    `json:"error,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Enqueuer is the worker-side contract the dispatcher needs.
type Enqueuer interface {
	Enqueue(cmd sorting.ActuationCommand) (<-chan sorting.ActuationOutcome, error)
}

// DefaultJobHistory bounds how many finished jobs stay queryable.
const DefaultJobHistory = 1024

// Dispatcher is the core's entry point: it validates and translates a
// request, hands it to the worker and returns a ticket straight away. A
// goroutine per ticket waits for the outcome and records confirmed
// actuations exactly once.
type Dispatcher struct {
	translator *sorting.Translator
	worker     Enqueuer
	recorder   *Recorder
	alerts     *monitoring.Alerts
	logger     *monitoring.Logger
	clock      timeutil.Clock

	wg sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string
	history int
}

// NewDispatcher wires the core together.
func NewDispatcher(translator *sorting.Translator, worker Enqueuer, recorder *Recorder, alerts *monitoring.Alerts, logger *monitoring.Logger) *Dispatcher {
	return &Dispatcher{
		translator: translator,
		worker:     worker,
		recorder:   recorder,
		alerts:     alerts,
		logger:     logger.With("dispatch"),
		clock:      timeutil.RealClock{},
		jobs:       make(map[string]*Job),
		history:    DefaultJobHistory,
	}
}

// SetClock replaces the clock used for ticket and job timestamps.
func (d *Dispatcher) SetClock(c timeutil.Clock) {
	d.clock = c
}

// Accept validates req and queues the actuation. Input errors
// (sorting.ErrInput) and ErrBusy are returned before anything is queued;
// an unmapped type never reaches the worker.
func (d *Dispatcher) Accept(req sorting.ClassificationRequest) (Ticket, error) {
	if req.TypeID == 0 {
		return Ticket{}, sorting.ErrMissingTypeID
	}
	cmd, err := d.translator.Translate(req.TypeID)
	if err != nil {
		return Ticket{}, err
	}

	ch, err := d.worker.Enqueue(cmd)
	if err != nil {
		return Ticket{}, err
	}

	now := d.clock.Now()
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = now
	}
	ticket := Ticket{ID: uuid.NewString(), TypeID: req.TypeID, AcceptedAt: req.ReceivedAt}
	d.putJob(&Job{Ticket: ticket, State: JobQueued, UpdatedAt: now})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.complete(ticket, <-ch)
	}()

	return ticket, nil
}

func (d *Dispatcher) complete(ticket Ticket, outcome sorting.ActuationOutcome) {
	if !outcome.Succeeded() {
		// never log an actuation that was not confirmed
		msg := string(outcome.Reason)
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		d.updateJob(ticket.ID, func(j *Job) {
			j.State = JobFailed
			j.Outcome = &outcome
			j.Error = msg
		})
		return
	}

	entry, err := d.recorder.Record(ticket.ID, outcome.TypeID, outcome.BinID)
	if err != nil {
		alert := d.alerts.RaiseUnrecorded(ticket.ID, outcome.TypeID, outcome.BinID, err)
		d.updateJob(ticket.ID, func(j *Job) {
			j.State = JobUnrecorded
			j.Outcome = &outcome
			j.AlertID = alert.ID
			j.Error = err.Error()
		})
		return
	}

	d.updateJob(ticket.ID, func(j *Job) {
		j.State = JobDone
		j.Outcome = &outcome
		j.Entry = &entry
	})
}

// RetryRecord re-attempts the sort log write for an unrecorded actuation.
// It reuses the first attempt's actuation id, so it cannot create a duplicate row,
// and it never touches the controller. A failed retry leaves the alert open
// and does not raise another.
func (d *Dispatcher) RetryRecord(alertID string) (sorting.SortLogEntry, error) {
	alert, err := d.alerts.Get(alertID)
	if err != nil {
		return sorting.SortLogEntry{}, err
	}

	entry, err := d.recorder.Record(alert.ActuationID, alert.TypeID, alert.BinID)
	if err != nil {
		return sorting.SortLogEntry{}, err
	}
	if err := d.alerts.Resolve(alertID); err != nil {
		return entry, fmt.Errorf("recorded but failed to resolve alert: %w", err)
	}

	d.logger.Printf("alert %s resolved: actuation %s recorded", alertID, alert.ActuationID)
	d.updateJob(alert.ActuationID, func(j *Job) {
		j.State = JobDone
		j.Entry = &entry
		j.Error = ""
	})
	return entry, nil
}

// Job returns a snapshot of the ticket's state.
func (d *Dispatcher) Job(id string) (Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

// Wait blocks until every accepted ticket has reached a final state.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) putJob(j *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[j.ID] = j
	d.order = append(d.order, j.ID)

	// evict the oldest finished jobs; queued ones always stay visible
	for len(d.order) > d.history {
		evicted := false
		for i, id := range d.order {
			if d.jobs[id].State != JobQueued {
				delete(d.jobs, id)
				d.order = append(d.order[:i], d.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (d *Dispatcher) updateJob(id string, f func(*Job)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return
	}
	f(j)
	j.UpdatedAt = d.clock.Now()
}
