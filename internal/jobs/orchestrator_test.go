package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/intellidoc/internal/embedding"
	"github.com/hyperjump/intellidoc/internal/events"
	"github.com/hyperjump/intellidoc/internal/ingest"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/vector"
)

// scriptedRunner returns errs[attempt-1] for each attempt, then succeeds.
type scriptedRunner struct {
	mu       sync.Mutex
	errs     map[string][]error
	attempts map[string]int
	failed   map[string]error
	running  map[string]int
	maxSeen  int
	gate     chan struct{}
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		errs:     make(map[string][]error),
		attempts: make(map[string]int),
		failed:   make(map[string]error),
		running:  make(map[string]int),
	}
}

func (r *scriptedRunner) Run(ctx context.Context, docID string, opts ingest.RunOptions) (*models.Document, error) {
	r.mu.Lock()
	r.attempts[docID]++
	n := r.attempts[docID]
	r.running[docID]++
	if r.running[docID] > r.maxSeen {
		r.maxSeen = r.running[docID]
	}
	script := r.errs[docID]
	gate := r.gate
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running[docID]--
		r.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= len(script) && script[n-1] != nil {
		if opts.OnProgress != nil {
			opts.OnProgress(ingest.ProgressStarted)
		}
		return nil, script[n-1]
	}
	for _, p := range []int{ingest.ProgressStarted, ingest.ProgressExtracted, ingest.ProgressChunked,
		ingest.ProgressEmbedded, ingest.ProgressIndexed, ingest.ProgressDone} {
		if opts.OnProgress != nil {
			opts.OnProgress(p)
		}
	}
	return &models.Document{ID: docID, Status: models.StatusReady, ChunkCount: 1}, nil
}

func (r *scriptedRunner) Fail(ctx context.Context, docID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[docID] = cause
	return nil
}

func (r *scriptedRunner) attemptsOf(docID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[docID]
}

func startOrchestrator(t *testing.T, runner Runner, rec *events.Recorder) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(runner, Options{Workers: 2, MaxAttempts: 3, Backoff: time.Millisecond}, WithSink(rec))
	o.Start(context.Background())
	t.Cleanup(o.Stop)
	return o
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
}

func lastEvent(t *testing.T, rec *events.Recorder, docID string) events.Event {
	t.Helper()
	evs := rec.Events(docID)
	if len(evs) == 0 {
		t.Fatalf("no events for %s", docID)
	}
	return evs[len(evs)-1]
}

func TestOrchestrator_SuccessEmitsOrderedEvents(t *testing.T) {
	runner := newScriptedRunner()
	rec := &events.Recorder{}
	o := startOrchestrator(t, runner, rec)

	if err := o.Schedule("doc1"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)

	evs := rec.Events("doc1")
	if len(evs) != 8 {
		t.Fatalf("expected 8 events, got %d: %+v", len(evs), evs)
	}
	if evs[0].Kind != events.KindStarted {
		t.Errorf("first event = %s", evs[0].Kind)
	}
	last := -1
	for _, e := range evs[1:7] {
		if e.Kind != events.KindProgress || e.Progress <= last {
			t.Errorf("progress out of order: %+v", e)
		}
		last = e.Progress
	}
	if !evs[7].Success() || evs[7].Status != models.StatusReady {
		t.Errorf("completed event = %+v", evs[7])
	}
}

func TestOrchestrator_RetriesTransientFailures(t *testing.T) {
	runner := newScriptedRunner()
	transient := fmt.Errorf("embed: %w", embedding.ErrBackendUnavailable)
	runner.errs["ok-on-third"] = []error{transient, transient}
	runner.errs["always-fails"] = []error{transient, transient, transient}
	rec := &events.Recorder{}
	o := startOrchestrator(t, runner, rec)

	for _, id := range []string{"ok-on-third", "always-fails"} {
		if err := o.Schedule(id); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, o)

	if n := runner.attemptsOf("ok-on-third"); n != 3 {
		t.Errorf("ok-on-third attempts = %d", n)
	}
	if e := lastEvent(t, rec, "ok-on-third"); !e.Success() || e.Attempt != 3 {
		t.Errorf("ok-on-third final event = %+v", e)
	}
	if _, failed := runner.failed["ok-on-third"]; failed {
		t.Error("ok-on-third should not be failed")
	}

	if n := runner.attemptsOf("always-fails"); n != 3 {
		t.Errorf("always-fails attempts = %d", n)
	}
	e := lastEvent(t, rec, "always-fails")
	if e.Success() || e.Status != models.StatusError || e.Error == "" {
		t.Errorf("always-fails final event = %+v", e)
	}
	if !errors.Is(runner.failed["always-fails"], embedding.ErrBackendUnavailable) {
		t.Errorf("Fail cause = %v", runner.failed["always-fails"])
	}
}

func TestOrchestrator_FatalNotRetried(t *testing.T) {
	runner := newScriptedRunner()
	runner.errs["doc1"] = []error{fmt.Errorf("add: %w", vector.ErrDimensionMismatch)}
	rec := &events.Recorder{}
	o := startOrchestrator(t, runner, rec)

	if err := o.Schedule("doc1"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)
	if n := runner.attemptsOf("doc1"); n != 1 {
		t.Errorf("attempts = %d", n)
	}
	if _, ok := runner.failed["doc1"]; !ok {
		t.Error("Fail not called")
	}
}

func TestOrchestrator_AbortedAndAlreadyIndexed(t *testing.T) {
	runner := newScriptedRunner()
	runner.errs["deleted"] = []error{ingest.ErrAborted}
	runner.errs["ready"] = []error{ingest.ErrAlreadyIndexed}
	rec := &events.Recorder{}
	o := startOrchestrator(t, runner, rec)

	for _, id := range []string{"deleted", "ready"} {
		if err := o.Schedule(id); err != nil {
			t.Fatal(err)
		}
	}
	waitIdle(t, o)

	if len(runner.failed) != 0 {
		t.Errorf("Fail called for %v", runner.failed)
	}
	if e := lastEvent(t, rec, "deleted"); e.Status != models.StatusDeleted || e.Success() {
		t.Errorf("deleted final event = %+v", e)
	}
	if e := lastEvent(t, rec, "ready"); !e.Success() {
		t.Errorf("ready final event = %+v", e)
	}
	if runner.attemptsOf("deleted") != 1 || runner.attemptsOf("ready") != 1 {
		t.Error("aborted or already indexed jobs must not retry")
	}
}

func TestOrchestrator_AtMostOneJobPerDocument(t *testing.T) {
	runner := newScriptedRunner()
	runner.gate = make(chan struct{})
	rec := &events.Recorder{}
	o := startOrchestrator(t, runner, rec)

	if err := o.Schedule("doc1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := o.Schedule("doc1"); !errors.Is(err, ErrAlreadyScheduled) {
			t.Fatalf("duplicate schedule: %v", err)
		}
	}
	if !o.Pending("doc1") || o.Len() != 1 {
		t.Errorf("Pending = %v, Len = %d", o.Pending("doc1"), o.Len())
	}
	close(runner.gate)
	waitIdle(t, o)

	if runner.attemptsOf("doc1") != 1 {
		t.Errorf("attempts = %d", runner.attemptsOf("doc1"))
	}
	if runner.maxSeen != 1 {
		t.Errorf("concurrent runs for one document: %d", runner.maxSeen)
	}
	// Once finished the document can be scheduled again.
	if err := o.Schedule("doc1"); err != nil {
		t.Errorf("reschedule after completion: %v", err)
	}
	waitIdle(t, o)
}

func TestOrchestrator_QueueFullAndStopped(t *testing.T) {
	runner := newScriptedRunner()
	o := NewOrchestrator(runner, Options{Workers: 1, QueueSize: 1})
	// Not started: the single slot fills up.
	if err := o.Schedule("a"); err != nil {
		t.Fatal(err)
	}
	if err := o.Schedule("b"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if o.Pending("b") {
		t.Error("rejected document must not stay pending")
	}
	o.Stop()
	if err := o.Schedule("c"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestOptionsDelay(t *testing.T) {
	tests := []struct {
		policy  BackoffPolicy
		attempt int
		want    time.Duration
	}{
		{BackoffLinear, 1, time.Minute},
		{BackoffLinear, 2, 2 * time.Minute},
		{BackoffLinear, 3, 3 * time.Minute},
		{BackoffExponential, 1, time.Minute},
		{BackoffExponential, 2, 2 * time.Minute},
		{BackoffExponential, 3, 4 * time.Minute},
		{"", 0, time.Minute},
	}
	for _, tt := range tests {
		o := Options{Backoff: time.Minute, Policy: tt.policy}
		if got := o.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%s, %d) = %v, want %v", tt.policy, tt.attempt, got, tt.want)
		}
	}
}

func TestOrchestrator_ReserveAndSubmit(t *testing.T) {
	runner := newScriptedRunner()
	rec := &events.Recorder{}
	o := startOrchestrator(t, runner, rec)

	if err := o.Reserve("doc1"); err != nil {
		t.Fatal(err)
	}
	if err := o.Reserve("doc1"); !errors.Is(err, ErrAlreadyScheduled) {
		t.Errorf("second reserve: %v", err)
	}
	if err := o.Schedule("doc1"); !errors.Is(err, ErrAlreadyScheduled) {
		t.Errorf("schedule while reserved: %v", err)
	}
	if !o.Pending("doc1") {
		t.Error("reserved document should be pending")
	}
	if n := runner.attemptsOf("doc1"); n != 0 {
		t.Errorf("reserved document ran %d times", n)
	}

	if err := o.Submit("doc1"); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, o)
	if n := runner.attemptsOf("doc1"); n != 1 {
		t.Errorf("attempts = %d", n)
	}
	if e := lastEvent(t, rec, "doc1"); !e.Success() {
		t.Errorf("final event = %+v", e)
	}

	if err := o.Reserve("doc2"); err != nil {
		t.Fatal(err)
	}
	o.Release("doc2")
	if o.Pending("doc2") {
		t.Error("released document still pending")
	}
	waitIdle(t, o)
	if err := o.Schedule("doc2"); err != nil {
		t.Errorf("schedule after release: %v", err)
	}
	waitIdle(t, o)
}

func TestOrchestrator_SubmitRejectedDropsReservation(t *testing.T) {
	o := NewOrchestrator(newScriptedRunner(), Options{Workers: 1, QueueSize: 1})
	if err := o.Schedule("a"); err != nil {
		t.Fatal(err)
	}
	if err := o.Reserve("b"); err != nil {
		t.Fatal(err)
	}
	if err := o.Submit("b"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	if o.Pending("b") {
		t.Error("rejected reservation must not stay pending")
	}
	if err := o.Reserve("c"); err != nil {
		t.Fatal(err)
	}
	o.Stop()
	if err := o.Submit("c"); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := o.Reserve("d"); !errors.Is(err, ErrStopped) {
		t.Errorf("reserve after stop: %v", err)
	}
}

func TestOrchestrator_CancelReleasesPendingRetry(t *testing.T) {
	runner := newScriptedRunner()
	runner.errs["doc1"] = []error{fmt.Errorf("embed: %w", embedding.ErrBackendUnavailable)}
	o := NewOrchestrator(runner, Options{Workers: 1, MaxAttempts: 3, Backoff: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	t.Cleanup(o.Stop)

	if err := o.Schedule("doc1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for runner.attemptsOf("doc1") < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never ran")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	waitIdle(t, o)
	if o.Pending("doc1") {
		t.Error("document still pending after cancel")
	}
	if n := runner.attemptsOf("doc1"); n != 1 {
		t.Errorf("attempts after cancel = %d", n)
	}
}
