// Package jobs runs ingestion asynchronously on a worker pool with retries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/config"
	"github.com/hyperjump/intellidoc/internal/events"
	"github.com/hyperjump/intellidoc/internal/ingest"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/storage"
)

var (
	// ErrAlreadyScheduled is returned when the document already has a queued,
	// running or retry-pending job.
	ErrAlreadyScheduled = errors.New("document already scheduled")
	// ErrQueueFull is returned when the job queue has no room.
	ErrQueueFull = errors.New("job queue full")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("orchestrator stopped")
)

// Runner executes one ingestion attempt and finalizes failures.
type Runner interface {
	Run(ctx context.Context, docID string, opts ingest.RunOptions) (*models.Document, error)
	Fail(ctx context.Context, docID string, cause error) error
}

// BackoffPolicy selects how the retry delay grows with the attempt number.
type BackoffPolicy string

const (
	BackoffLinear      BackoffPolicy = "linear"
	BackoffExponential BackoffPolicy = "exponential"
)

// Options configures an Orchestrator.
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	Policy      BackoffPolicy
}

// OptionsFromConfig converts the jobs config section.
func OptionsFromConfig(cfg config.JobsConfig) Options {
	return Options{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		Policy:      BackoffPolicy(cfg.BackoffPolicy),
	}
}

// Delay returns the wait before the attempt following attempt (1-based).
func (o Options) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if o.Policy == BackoffExponential {
		return o.Backoff << (attempt - 1)
	}
	return o.Backoff * time.Duration(attempt)
}

type job struct {
	docID   string
	attempt int
}

// Orchestrator schedules pipeline runs. A document has at most one job at a time,
// whether queued, running or waiting for a retry.
type Orchestrator struct {
	runner Runner
	sink   events.Sink
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	queue chan job

	mu      sync.Mutex
	pending map[string]*time.Timer // nil timer: queued or running
	idle    *sync.Cond
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSink sets where lifecycle events go.
func WithSink(s events.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// NewOrchestrator creates an orchestrator. Call Start to launch the workers.
func NewOrchestrator(runner Runner, opts Options, options ...Option) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	o := &Orchestrator{
		runner:  runner,
		sink:    events.SinkFunc(func(events.Event) {}),
		opts:    opts,
		logger:  zap.NewNop(),
		now:     time.Now,
		queue:   make(chan job, opts.QueueSize),
		pending: make(map[string]*time.Timer),
	}
	o.idle = sync.NewCond(&o.mu)
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Start launches the worker pool. Workers exit when ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Debug("orchestrator started", zap.Int("workers", o.opts.Workers))
}

// Stop cancels running jobs, drops pending retries and waits for the workers.
// Documents left in uploading or processing are picked up again on the next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	for id, t := range o.pending {
		if t != nil {
			t.Stop()
			delete(o.pending, id)
		}
	}
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	for id := range o.pending {
		delete(o.pending, id)
	}
	o.idle.Broadcast()
	o.mu.Unlock()
}

// Schedule enqueues an ingestion run for docID.
func (o *Orchestrator) Schedule(docID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if _, ok := o.pending[docID]; ok {
		return ErrAlreadyScheduled
	}
	select {
	case o.queue <- job{docID: docID, attempt: 1}:
		o.pending[docID] = nil
		return nil
	default:
		return ErrQueueFull
	}
}

// Reserve claims docID without queueing a run, so the caller can prepare the
// document before Submit. Other Schedule or Reserve calls for docID fail with
// ErrAlreadyScheduled until the reservation is submitted and finishes or is released.
func (o *Orchestrator) Reserve(docID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return ErrStopped
	}
	if _, ok := o.pending[docID]; ok {
		return ErrAlreadyScheduled
	}
	o.pending[docID] = nil
	return nil
}

// Submit enqueues the run for a document claimed with Reserve. The reservation
// is dropped when the run cannot be queued.
func (o *Orchestrator) Submit(docID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		o.release(docID)
		return ErrStopped
	}
	if t, ok := o.pending[docID]; ok && t != nil {
		return ErrAlreadyScheduled
	}
	select {
	case o.queue <- job{docID: docID, attempt: 1}:
		o.pending[docID] = nil
		return nil
	default:
		o.release(docID)
		return ErrQueueFull
	}
}

// Release drops a reservation that will not be submitted.
func (o *Orchestrator) Release(docID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.release(docID)
}

func (o *Orchestrator) release(docID string) {
	delete(o.pending, docID)
	o.idle.Broadcast()
}

// Pending reports whether docID has a queued, running or retry-pending job.
func (o *Orchestrator) Pending(docID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[docID]
	return ok
}

// Len returns the number of documents with outstanding jobs.
func (o *Orchestrator) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// WaitIdle blocks until no job is outstanding or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.mu.Lock()
		for len(o.pending) > 0 && ctx.Err() == nil {
			o.idle.Wait()
		}
		o.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter so it observes ctx and exits.
		o.mu.Lock()
		o.idle.Broadcast()
		o.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case j := <-o.queue:
			o.process(j)
		}
	}
}

func (o *Orchestrator) process(j job) {
	log := o.logger.With(zap.String("document_id", j.docID), zap.Int("attempt", j.attempt))
	o.publish(events.Event{
		DocumentID: j.docID,
		Kind:       events.KindStarted,
		Status:     models.StatusProcessing,
		Attempt:    j.attempt,
	})

	doc, err := o.runner.Run(o.ctx, j.docID, ingest.RunOptions{
		OnProgress: func(p int) {
			status := models.StatusProcessing
			if p >= ingest.ProgressDone {
				status = models.StatusReady
			}
			o.publish(events.Event{
				DocumentID: j.docID,
				Kind:       events.KindProgress,
				Status:     status,
				Progress:   p,
				Attempt:    j.attempt,
			})
		},
	})

	switch {
	case err == nil:
		o.complete(j, events.Event{
			Status:   models.StatusReady,
			Progress: ingest.ProgressDone,
			Message:  fmt.Sprintf("indexed %d chunks", doc.ChunkCount),
		})
		log.Debug("job completed")

	case errors.Is(err, ingest.ErrAlreadyIndexed):
		o.complete(j, events.Event{
			Status:   models.StatusReady,
			Progress: ingest.ProgressDone,
			Message:  "already indexed",
		})

	case ingest.Classify(err) == ingest.ClassAborted:
		status := models.StatusDeleted
		switch {
		case errors.Is(err, context.Canceled):
			status = models.StatusProcessing
		case errors.Is(err, storage.ErrStateChanged):
			status = models.StatusError
		}
		o.complete(j, events.Event{Status: status, Message: "aborted", Error: "aborted"})
		log.Info("job aborted", zap.Error(err))

	case ingest.Classify(err) == ingest.ClassFatal || j.attempt >= o.opts.MaxAttempts:
		if failErr := o.runner.Fail(o.ctx, j.docID, err); failErr != nil {
			log.Error("failed to record document error", zap.Error(failErr))
		}
		o.complete(j, events.Event{Status: models.StatusError, Error: ingest.UserMessage(err)})
		log.Warn("job failed", zap.Error(err))

	default:
		o.retry(j, err, log)
	}
}

func (o *Orchestrator) retry(j job, cause error, log *zap.Logger) {
	delay := o.opts.Delay(j.attempt)
	next := job{docID: j.docID, attempt: j.attempt + 1}
	log.Info("job retry scheduled", zap.Duration("delay", delay), zap.Error(cause))

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		delete(o.pending, j.docID)
		o.idle.Broadcast()
		return
	}
	o.pending[j.docID] = time.AfterFunc(delay, func() { o.requeue(next) })
}

// requeue puts a retry back on the queue. The document is released when the
// workers are already shutting down.
func (o *Orchestrator) requeue(j job) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	if o.ctx.Err() != nil {
		o.release(j.docID)
		o.mu.Unlock()
		return
	}
	o.pending[j.docID] = nil
	o.mu.Unlock()

	select {
	case o.queue <- j:
	case <-o.ctx.Done():
		o.mu.Lock()
		o.release(j.docID)
		o.mu.Unlock()
	}
}

// complete publishes the final event and releases the document.
func (o *Orchestrator) complete(j job, e events.Event) {
	e.DocumentID = j.docID
	e.Kind = events.KindCompleted
	e.Attempt = j.attempt
	o.publish(e)

	o.mu.Lock()
	o.release(j.docID)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(e events.Event) {
	if e.At.IsZero() {
		e.At = o.now()
	}
	o.sink.Publish(e)
}
