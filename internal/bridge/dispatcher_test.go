package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sortbridge/internal/db"
	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/protocol"
	"github.com/banshee-data/sortbridge/internal/serialmux"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

// flakyStore fails every write while failing is set.
type flakyStore struct {
	mu      sync.Mutex
	failing bool
	rows    map[string]sorting.SortLogEntry
	calls   int
}

func newFlakyStore(failing bool) *flakyStore {
	return &flakyStore{failing: failing, rows: make(map[string]sorting.SortLogEntry)}
}

func (s *flakyStore) RecordSort(actuationID string, typeID sorting.TypeID, binID int, at time.Time) (sorting.SortLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return sorting.SortLogEntry{}, errors.New("disk I/O error")
	}
	if e, ok := s.rows[actuationID]; ok {
		return e, nil
	}
	e := sorting.SortLogEntry{ID: int64(len(s.rows) + 1), ActuationID: actuationID, RecognizedTypeID: typeID, TargetBinID: binID, LoggedAt: at}
	s.rows[actuationID] = e
	return e, nil
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

// countingEnqueuer counts how many commands reach the worker.
type countingEnqueuer struct {
	Enqueuer
	mu    sync.Mutex
	count int
}

func (c *countingEnqueuer) Enqueue(cmd sorting.ActuationCommand) (<-chan sorting.ActuationOutcome, error) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return c.Enqueuer.Enqueue(cmd)
}

func (c *countingEnqueuer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type logLines struct {
	mu    sync.Mutex
	lines []string
}

func (l *logLines) logger() *monitoring.Logger {
	return monitoring.NewLogger(func(format string, v ...interface{}) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.lines = append(l.lines, fmt.Sprintf(format, v...))
	})
}

func (l *logLines) count(prefix string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl       *serialmux.FakeController
	worker     *Worker
	enqueuer   *countingEnqueuer
	alerts     *monitoring.Alerts
	dispatcher *Dispatcher
	logs       *logLines
}

func newHarness(t *testing.T, store SortLogStore) *harness {
	t.Helper()
	h := &harness{logs: &logLines{}}
	logger := h.logs.logger()

	h.ctrl = serialmux.NewFakeController(serialmux.StructuredResponder())
	h.worker = NewWorker(fakeTransport(t, h.ctrl), protocol.NewCodec(protocol.VariantStructured), 4, logger)
	h.worker.Start(context.Background())
	t.Cleanup(h.worker.Stop)

	translator, err := sorting.NewTranslator(sorting.CommandTable{1: 0, 2: 1, 3: 2})
	require.NoError(t, err)

	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	h.alerts = monitoring.NewAlerts(logger, clock, 0)
	h.enqueuer = &countingEnqueuer{Enqueuer: h.worker}
	recorder := NewRecorder(store, logger)
	recorder.SetClock(clock)
	h.dispatcher = NewDispatcher(translator, h.enqueuer, recorder, h.alerts, logger)
	h.dispatcher.SetClock(clock)
	return h
}

func TestDispatcher_EndToEndRecordsExactlyOnce(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "sortbridge.db"))
	require.NoError(t, err)
	defer store.Close()
	h := newHarness(t, store)

	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypePlastic})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.ID)
	assert.Equal(t, sorting.TypePlastic, ticket.TypeID)

	h.dispatcher.Wait()

	job, err := h.dispatcher.Job(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, JobDone, job.State)
	require.NotNil(t, job.Entry)

	logs, err := store.SortLogs(10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, sorting.TypePlastic, logs[0].RecognizedTypeID)
	assert.Equal(t, 102, logs[0].TargetBinID)
	assert.Equal(t, ticket.ID, logs[0].ActuationID)
	assert.Equal(t, []string{"1"}, h.ctrl.Commands())
}

func TestDispatcher_AcceptReturnsBeforeActuation(t *testing.T) {
	h := newHarness(t, newFlakyStore(false))
	h.ctrl.ActuationDelay = 200 * time.Millisecond

	start := time.Now()
	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypeCan})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "the caller must not wait for the hardware")

	job, err := h.dispatcher.Job(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.State)

	h.dispatcher.Wait()
	job, _ = h.dispatcher.Job(ticket.ID)
	assert.Equal(t, JobDone, job.State)
	assert.Equal(t, 103, job.Outcome.BinID)
}

func TestDispatcher_InvalidTypeNeverTouchesHardware(t *testing.T) {
	h := newHarness(t, newFlakyStore(false))

	_, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: 4})
	assert.ErrorIs(t, err, sorting.ErrUnmapped)
	assert.ErrorIs(t, err, sorting.ErrInput)

	_, err = h.dispatcher.Accept(sorting.ClassificationRequest{})
	assert.ErrorIs(t, err, sorting.ErrMissingTypeID)

	assert.Equal(t, 0, h.enqueuer.Count())
	assert.Equal(t, 0, h.ctrl.Opens())
}

func TestDispatcher_FailureSkipsPersistence(t *testing.T) {
	store := newFlakyStore(false)
	h := newHarness(t, store)
	h.ctrl.Respond = func(string) string { return "garbage" }

	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypeGeneral})
	require.NoError(t, err)
	h.dispatcher.Wait()

	job, err := h.dispatcher.Job(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, sorting.ReasonMalformed, job.Outcome.Reason)
	assert.Nil(t, job.Entry)
	assert.Equal(t, 0, store.calls)
	assert.Empty(t, h.alerts.List())
}

func TestDispatcher_NegativeBinIsFailureNotAlert(t *testing.T) {
	store := newFlakyStore(false)
	h := newHarness(t, store)
	h.ctrl.Respond = func(string) string { return `{"bin_id": -7}` }

	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypePlastic})
	require.NoError(t, err)
	h.dispatcher.Wait()

	job, err := h.dispatcher.Job(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, sorting.ReasonMalformed, job.Outcome.Reason)
	assert.Equal(t, 0, store.calls)
	assert.Empty(t, h.alerts.List())
}

func TestDispatcher_TimeoutSkipsPersistence(t *testing.T) {
	store := newFlakyStore(false)
	h := newHarness(t, store)
	h.ctrl.Respond = func(string) string { return "" }

	tr, err := serialmux.NewTransport(h.ctrl, serialmux.TransportConfig{PortPath: "fake", ReplyTimeout: 30 * time.Millisecond}, nil)
	require.NoError(t, err)
	w := NewWorker(tr, protocol.NewCodec(protocol.VariantStructured), 1, nil)
	w.Start(context.Background())
	defer w.Stop()
	h.dispatcher.worker = w

	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypeGeneral})
	require.NoError(t, err)
	h.dispatcher.Wait()

	job, _ := h.dispatcher.Job(ticket.ID)
	assert.Equal(t, JobFailed, job.State)
	assert.Equal(t, sorting.ReasonTimeout, job.Outcome.Reason)
	assert.Contains(t, job.Error, "no reply before deadline")
	assert.Equal(t, 0, store.calls)
}

func TestDispatcher_PersistenceFailureEscalatesWithoutResubmit(t *testing.T) {
	store := newFlakyStore(true)
	h := newHarness(t, store)

	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypeCan})
	require.NoError(t, err)
	h.dispatcher.Wait()

	job, err := h.dispatcher.Job(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, JobUnrecorded, job.State)
	assert.NotEmpty(t, job.AlertID)

	alerts := h.alerts.List()
	require.Len(t, alerts, 1)
	assert.Equal(t, ticket.ID, alerts[0].ActuationID)
	assert.Equal(t, 103, alerts[0].BinID)
	assert.Contains(t, alerts[0].Error, "disk I/O error")

	assert.Equal(t, 1, h.enqueuer.Count(), "a persistence failure must not resubmit the actuation")
	assert.Equal(t, 1, h.ctrl.Opens())
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, h.logs.count("CRITICAL: "))
}

func TestDispatcher_RetryRecord(t *testing.T) {
	store := newFlakyStore(true)
	h := newHarness(t, store)

	ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypePlastic})
	require.NoError(t, err)
	h.dispatcher.Wait()
	job, _ := h.dispatcher.Job(ticket.ID)
	require.Equal(t, JobUnrecorded, job.State)

	// still failing: the alert stays open and nothing new is raised
	_, err = h.dispatcher.RetryRecord(job.AlertID)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ticket.ID, perr.ActuationID)
	assert.Equal(t, 1, h.alerts.OpenCount())
	assert.Equal(t, 1, h.alerts.RaisedTotal())

	store.setFailing(false)
	entry, err := h.dispatcher.RetryRecord(job.AlertID)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, entry.ActuationID)
	assert.Equal(t, 102, entry.TargetBinID)
	assert.Equal(t, 0, h.alerts.OpenCount())

	// a second retry is a no-op on the store
	again, err := h.dispatcher.RetryRecord(job.AlertID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, again.ID)
	assert.Len(t, store.rows, 1)

	job, _ = h.dispatcher.Job(ticket.ID)
	assert.Equal(t, JobDone, job.State)
	assert.Empty(t, job.Error)
	assert.Equal(t, 1, h.ctrl.Opens(), "retrying a record never actuates again")

	_, err = h.dispatcher.RetryRecord("nope")
	assert.ErrorIs(t, err, monitoring.ErrAlertNotFound)
}

func TestDispatcher_BusyPropagates(t *testing.T) {
	g := newGatedTransactor(`{"bin_id":1}`)
	w := NewWorker(g, protocol.NewCodec(protocol.VariantStructured), 1, nil)
	w.Start(context.Background())

	h := newHarness(t, newFlakyStore(false))
	h.dispatcher.worker = w

	_, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: 1})
	require.NoError(t, err)
	<-g.started
	_, err = h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: 1})
	require.NoError(t, err)

	_, err = h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: 1})
	assert.ErrorIs(t, err, ErrBusy)

	close(g.release)
	h.dispatcher.Wait()
	w.Stop()
}

func TestDispatcher_JobNotFound(t *testing.T) {
	h := newHarness(t, newFlakyStore(false))
	_, err := h.dispatcher.Job("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDispatcher_JobHistoryBounded(t *testing.T) {
	h := newHarness(t, newFlakyStore(false))
	h.dispatcher.history = 2

	var ids []string
	for i := 0; i < 4; i++ {
		ticket, err := h.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypeGeneral})
		require.NoError(t, err)
		h.dispatcher.Wait()
		ids = append(ids, ticket.ID)
	}

	_, err := h.dispatcher.Job(ids[0])
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = h.dispatcher.Job(ids[3])
	assert.NoError(t, err)
}

func TestRecorder_WrapsStoreErrors(t *testing.T) {
	r := NewRecorder(newFlakyStore(true), nil)
	_, err := r.Record("a", sorting.TypeCan, 103)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 103, perr.BinID)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Contains(t, err.Error(), "not recorded")
}
