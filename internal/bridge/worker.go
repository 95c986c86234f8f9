// Package bridge serialises actuation commands onto the controller and turns
// confirmed actuations into sort log entries.
//
// All hardware access goes through the single goroutine started by
// Worker.Start. Everything else (HTTP handlers, dispatch goroutines, the
// recorder) talks to the worker through its bounded queue.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/banshee-data/sortbridge/internal/monitoring"
	"github.com/banshee-data/sortbridge/internal/protocol"
	"github.com/banshee-data/sortbridge/internal/serialmux"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/timeutil"
)

var (
	// ErrBusy is returned when the queue is full. Callers see it
	// immediately; nothing is enqueued.
	ErrBusy = errors.New("bridge busy: actuation queue is full")

	// ErrStopped is returned for work submitted to, or still queued on, a
	// stopped worker.
	ErrStopped = errors.New("bridge worker stopped")
)

// DefaultQueueSize bounds the backlog. Each actuation takes seconds, so a
// deeper queue only hides a capacity problem.
const DefaultQueueSize = 8

// Transactor performs one complete request/reply exchange with the
// controller. *serialmux.Transport implements it.
type Transactor interface {
	Transact(line string) (string, error)
}

type job struct {
	cmd    sorting.ActuationCommand
	result chan sorting.ActuationOutcome
}

// Worker owns the Transactor and runs queued commands strictly one at a
// time in FIFO order.
type Worker struct {
	transport Transactor
	codec     protocol.Codec
	logger    *monitoring.Logger
	clock     timeutil.Clock
	stats     *monitoring.ActuationStats

	queue chan job

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWorker returns a worker with a queue of queueSize pending commands.
// A queueSize below 1 uses DefaultQueueSize.
func NewWorker(transport Transactor, codec protocol.Codec, queueSize int, logger *monitoring.Logger) *Worker {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Worker{
		transport: transport,
		codec:     codec,
		logger:    logger.With("bridge"),
		clock:     timeutil.RealClock{},
		queue:     make(chan job, queueSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetClock replaces the clock used to time transactions.
func (w *Worker) SetClock(c timeutil.Clock) {
	w.clock = c
}

// SetStats makes the worker report every outcome to s.
func (w *Worker) SetStats(s *monitoring.ActuationStats) {
	w.stats = s
}

// Start launches the worker goroutine. It runs until Stop is called or ctx
// is cancelled. Calling Start more than once has no effect.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		// stop takes priority over queued work
		select {
		case <-w.stopCh:
			w.drain()
			return
		case <-ctx.Done():
			w.markStopped()
			w.drain()
			return
		default:
		}

		select {
		case <-w.stopCh:
			w.drain()
			return
		case <-ctx.Done():
			w.markStopped()
			w.drain()
			return
		case j := <-w.queue:
			j.result <- w.execute(j.cmd)
		}
	}
}

// Stop refuses new work, waits for the in-flight transaction and fails any
// commands still queued with ErrStopped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	started := w.started
	w.mu.Unlock()

	if started {
		<-w.done
	} else {
		w.drain()
	}
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

func (w *Worker) drain() {
	for {
		select {
		case j := <-w.queue:
			o := sorting.Failure(j.cmd.TypeID, sorting.ReasonTransport)
			o.Err = ErrStopped
			j.result <- o
		default:
			return
		}
	}
}

// Enqueue queues cmd without blocking. The returned channel receives exactly
// one outcome. A full queue returns ErrBusy.
func (w *Worker) Enqueue(cmd sorting.ActuationCommand) (<-chan sorting.ActuationOutcome, error) {
	j := job{cmd: cmd, result: make(chan sorting.ActuationOutcome, 1)}

	// mu orders Enqueue against Stop so nothing lands in the queue after
	// drain has run.
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil, ErrStopped
	}
	select {
	case w.queue <- j:
		return j.result, nil
	default:
		return nil, ErrBusy
	}
}

// Submit enqueues cmd and waits for its outcome. Cancelling ctx abandons the
// wait only; a command already queued still runs.
func (w *Worker) Submit(ctx context.Context, cmd sorting.ActuationCommand) (sorting.ActuationOutcome, error) {
	ch, err := w.Enqueue(cmd)
	if err != nil {
		return sorting.ActuationOutcome{}, err
	}
	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		return sorting.ActuationOutcome{}, ctx.Err()
	}
}

// QueueLen is the number of commands waiting, excluding the one in flight.
func (w *Worker) QueueLen() int {
	return len(w.queue)
}

// QueueCap is the queue bound.
func (w *Worker) QueueCap() int {
	return cap(w.queue)
}

func (w *Worker) execute(cmd sorting.ActuationCommand) sorting.ActuationOutcome {
	start := w.clock.Now()

	var outcome sorting.ActuationOutcome
	reply, err := w.transport.Transact(w.codec.Encode(cmd))
	if err != nil {
		outcome = sorting.Failure(cmd.TypeID, reasonFor(err))
		outcome.Err = err
	} else {
		outcome = w.codec.Decode(reply, cmd)
	}
	outcome.Duration = w.clock.Since(start)

	if w.stats != nil {
		w.stats.Observe(outcome)
	}
	if outcome.Succeeded() {
		w.logger.Printf("type %v -> bin %d in %v", cmd.TypeID, outcome.BinID, outcome.Duration)
	} else if outcome.Err != nil {
		w.logger.Printf("type %v failed (%s): %v", cmd.TypeID, outcome.Reason, outcome.Err)
	} else {
		w.logger.Printf("type %v failed (%s): reply %q", cmd.TypeID, outcome.Reason, outcome.Reply)
	}
	return outcome
}

func reasonFor(err error) sorting.Reason {
	if errors.Is(err, serialmux.ErrReadTimeout) {
		return sorting.ReasonTimeout
	}
	return sorting.ReasonTransport
}
