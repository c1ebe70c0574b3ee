package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/backend/sos"
	"github.com/seantiz/sosmill/internal/engine"
	"github.com/seantiz/sosmill/internal/kernel"
	"github.com/seantiz/sosmill/internal/kernel/kerneltest"
	"github.com/seantiz/sosmill/internal/model"
	"github.com/seantiz/sosmill/internal/notebook"
	"github.com/seantiz/sosmill/internal/store"
)

var quiet = slog.New(slog.NewJSONHandler(io.Discard, nil))

// hang never replies, so the run blocks until it is cancelled.
func hang(_ kernel.ExecuteRequest, e *kerneltest.Emitter) {
	e.Busy()
}

func newTestEngine(t *testing.T, r kerneltest.Responder, defaults backend.Options) (*engine.Engine, store.Store) {
	t.Helper()
	return newEngineWithDialer(t, func(context.Context, backend.Options) (kernel.Client, error) {
		return kerneltest.New(r), nil
	}, defaults)
}

func newEngineWithDialer(t *testing.T, d sos.Dialer, defaults backend.Options) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := backend.NewRegistry()
	sos.Register(reg, quiet, sos.WithDialer(d))

	eng := engine.NewEngine(s, reg, quiet, defaults)
	t.Cleanup(eng.Wait)
	return eng, s
}

func makeRun() *model.Run {
	return &model.Run{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Engine:    sos.EngineName,
		CreatedAt: time.Now().UTC(),
	}
}

func sampleNotebook(sources ...string) *notebook.Notebook {
	nb := notebook.New()
	nb.Metadata.Set("kernelspec", map[string]string{"name": "sos"})
	nb.Cells = append(nb.Cells, notebook.NewMarkdownCell("# Report"))
	for _, src := range sources {
		nb.Cells = append(nb.Cells, notebook.NewCodeCell(src))
	}
	return nb
}

// waitForStatus polls the store until the run reaches the expected status.
func waitForStatus(t *testing.T, s store.Store, id, expected string, timeout time.Duration) *model.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := s.GetRun(context.Background(), id)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.Status == expected {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestSubmitHappyPath(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("print(101)"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.CellCount != 2 {
		t.Errorf("CellCount = %d, want 2", r.CellCount)
	}
	if r.KernelName != "sos" {
		t.Errorf("KernelName = %q, want sos", r.KernelName)
	}

	done := waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
	if done.StartedAt == nil || done.FinishedAt == nil || done.DurationMS == nil {
		t.Errorf("timestamps not recorded: %+v", done)
	}
	if done.Error != "" || done.FailedCell != nil {
		t.Errorf("unexpected failure: %q %v", done.Error, done.FailedCell)
	}

	nb, err := notebook.Parse(done.Notebook)
	if err != nil {
		t.Fatalf("parse executed notebook: %v", err)
	}
	outs := nb.Cells[1].Outputs
	if len(outs) != 1 || !strings.Contains(string(outs[0].Text), "101") {
		t.Errorf("outputs = %+v, want stream containing 101", outs)
	}
}

func TestSubmitRecordsEvents(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("print(1)"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
	eng.Wait()

	events, err := s.GetEvents(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var kinds []string
	for i, ev := range events {
		if ev.Seq != i {
			t.Errorf("events[%d].Seq = %d", i, ev.Seq)
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []string{
		model.EventCellStarted, model.EventCellFinished,
		model.EventCellStarted, model.EventCellOutput, model.EventCellFinished,
		model.EventRunFinished,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}
	if last := events[len(events)-1]; last.CellIndex != -1 || !strings.Contains(string(last.Payload), `"completed"`) {
		t.Errorf("run_finished event = %+v", last)
	}
}

func TestSubmitRecordsDisplayUpdates(t *testing.T) {
	eng, s := newTestEngine(t, func(_ kernel.ExecuteRequest, e *kerneltest.Emitter) {
		e.Busy()
		e.Display(map[string]any{"text/plain": "0%"}, "progress")
		e.UpdateDisplay(map[string]any{"text/plain": "100%"}, "progress")
		e.ReplyOK()
		e.Idle()
	}, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
	eng.Wait()

	events, err := s.GetEvents(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	var updates []model.Event
	for _, ev := range events {
		if ev.Kind == model.EventCellOutputUpdated {
			updates = append(updates, ev)
		}
	}
	if len(updates) != 1 {
		t.Fatalf("cell_output_updated events = %+v, want one", updates)
	}
	payload := string(updates[0].Payload)
	if updates[0].CellIndex != 1 || !strings.Contains(payload, `"output_index":0`) || !strings.Contains(payload, `100%`) {
		t.Errorf("update event = cell %d %s", updates[0].CellIndex, payload)
	}
}

func TestSubmitLiveEvents(t *testing.T) {
	eng, _ := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	ch, unsub := eng.Broker().Subscribe(r.ID)
	defer unsub()

	if err := eng.Submit(context.Background(), r, sampleNotebook("print(1)", "print(2)"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var got []model.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, ok := <-ch:
			if !ok {
				done = true
				break
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
	if len(got) == 0 || got[len(got)-1].Kind != model.EventRunFinished {
		t.Fatalf("events = %+v, want trailing run_finished", got)
	}
	outputs := 0
	for _, ev := range got {
		if ev.Kind == model.EventCellOutput {
			outputs++
		}
	}
	if outputs != 2 {
		t.Errorf("cell_output events = %d, want 2", outputs)
	}
}

func TestSubmitKernelErrorContinues(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	nb := sampleNotebook("raise ValueError(bad)", "print(2)")
	if err := eng.Submit(context.Background(), r, nb, backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
}

func TestSubmitStopOnError(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	nb := sampleNotebook("print(1)", "raise ValueError(bad)", "print(3)")
	if err := eng.Submit(context.Background(), r, nb, backend.Options{StopOnError: true}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := waitForStatus(t, s, r.ID, model.StatusFailed, 5*time.Second)
	if failed.FailedCell == nil || *failed.FailedCell != 2 {
		t.Errorf("FailedCell = %v, want 2", failed.FailedCell)
	}
	if !strings.Contains(failed.Error, "ValueError") {
		t.Errorf("Error = %q, want ValueError", failed.Error)
	}
}

func TestSubmitExecutionTimeout(t *testing.T) {
	eng, s := newTestEngine(t, hang, backend.Options{})

	r := makeRun()
	opts := backend.Options{ExecutionTimeout: 50 * time.Millisecond}
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), opts); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := waitForStatus(t, s, r.ID, model.StatusFailed, 5*time.Second)
	if failed.FailedCell == nil || *failed.FailedCell != 1 {
		t.Errorf("FailedCell = %v, want 1", failed.FailedCell)
	}
}

func TestSubmitUnknownEngine(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	r.Engine = "nonexistent"
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := waitForStatus(t, s, r.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "resolve engine") {
		t.Errorf("Error = %q, want resolve engine failure", failed.Error)
	}
	if failed.StartedAt == nil {
		t.Error("started_at should be set even when engine resolution fails after running transition")
	}
}

func TestSubmitDialFailure(t *testing.T) {
	eng, s := newEngineWithDialer(t, func(context.Context, backend.Options) (kernel.Client, error) {
		return nil, errors.New("connection refused")
	}, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	failed := waitForStatus(t, s, r.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "connection refused") {
		t.Errorf("Error = %q", failed.Error)
	}
}

func TestSubmitMergesDefaults(t *testing.T) {
	var mu sync.Mutex
	var seen backend.Options
	eng, s := newEngineWithDialer(t, func(_ context.Context, opts backend.Options) (kernel.Client, error) {
		mu.Lock()
		seen = opts
		mu.Unlock()
		return kerneltest.New(nil), nil
	}, backend.Options{
		Endpoint:     "unix:///run/sos.sock",
		IOPubTimeout: 2 * time.Second,
		Extra:        map[string]any{"dial_retries": 3, "session": "default"},
	})

	r := makeRun()
	opts := backend.Options{Extra: map[string]any{"session": "mine"}}
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), opts); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)

	mu.Lock()
	defer mu.Unlock()
	if seen.Endpoint != "unix:///run/sos.sock" {
		t.Errorf("Endpoint = %q", seen.Endpoint)
	}
	if seen.IOPubTimeout != 2*time.Second {
		t.Errorf("IOPubTimeout = %v", seen.IOPubTimeout)
	}
	if seen.Extra["dial_retries"] != 3 || seen.Extra["session"] != "mine" {
		t.Errorf("Extra = %v", seen.Extra)
	}
}

func TestSubmitSwitchesTakenAsGiven(t *testing.T) {
	defaults := backend.Options{StopOnError: true, LogOutput: true}
	eng, s := newTestEngine(t, nil, defaults)

	got := eng.Defaults()
	if !got.StopOnError || !got.LogOutput {
		t.Errorf("Defaults() = %+v, want the configured switches", got)
	}

	r := makeRun()
	nb := sampleNotebook("raise ValueError(bad)", "print(2)")
	if err := eng.Submit(context.Background(), r, nb, backend.Options{StopOnError: false}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
}

func TestCancelRunningRun(t *testing.T) {
	eng, s := newTestEngine(t, hang, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusRunning, 5*time.Second)

	if err := eng.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	cancelled := waitForStatus(t, s, r.ID, model.StatusCancelled, 5*time.Second)
	if cancelled.FinishedAt == nil {
		t.Error("finished_at not set")
	}
}

func TestCancelFinishedRun(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusCompleted, 5*time.Second)
	eng.Wait()

	if err := eng.Cancel(context.Background(), r.ID); !errors.Is(err, engine.ErrRunFinished) {
		t.Errorf("Cancel error = %v, want ErrRunFinished", err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	eng, _ := newTestEngine(t, nil, backend.Options{})
	if err := eng.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Cancel error = %v, want ErrNotFound", err)
	}
}

func TestCancelStalePendingRun(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	r := makeRun()
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := eng.Cancel(context.Background(), r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := s.GetRun(context.Background(), r.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestShutdownCancelsRuns(t *testing.T) {
	eng, s := newTestEngine(t, hang, backend.Options{})

	r := makeRun()
	if err := eng.Submit(context.Background(), r, sampleNotebook("x = 1"), backend.Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, s, r.ID, model.StatusRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, _ := s.GetRun(context.Background(), r.ID)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}

func TestSubmitConcurrent(t *testing.T) {
	eng, s := newTestEngine(t, nil, backend.Options{})

	ids := make([]string, 5)
	for i := range ids {
		r := makeRun()
		ids[i] = r.ID
		if err := eng.Submit(context.Background(), r, sampleNotebook("print(1)"), backend.Options{}); err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}

	for _, id := range ids {
		waitForStatus(t, s, id, model.StatusCompleted, 5*time.Second)
	}
}
