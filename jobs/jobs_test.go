package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestJob(t *testing.T, dsID uuid.UUID) (*Job, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	job, err := NewJob(dsID, "discover_schemas", cancel)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job, ctx
}

func TestSingleFlightPerDatasource(t *testing.T) {
	store := NewJobStore()
	dsID := uuid.New()

	first, _ := newTestJob(t, dsID)
	if err := store.TryRegister(first); err != nil {
		t.Fatalf("TryRegister: %v", err)
	}

	second, _ := newTestJob(t, dsID)
	err := store.TryRegister(second)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ActiveJobID != first.ID {
		t.Errorf("active job id = %s, want %s", conflict.ActiveJobID, first.ID)
	}

	// Another datasource is unaffected.
	other, _ := newTestJob(t, uuid.New())
	if err := store.TryRegister(other); err != nil {
		t.Errorf("other datasource blocked: %v", err)
	}
}

func TestSlotReleasedOnTerminal(t *testing.T) {
	store := NewJobStore()
	dsID := uuid.New()

	for _, finish := range []func(*Job){
		func(j *Job) { store.Complete(j, map[string]any{"ok": true}) },
		func(j *Job) { store.Fail(j, "boom") },
		func(j *Job) { store.MarkCancelled(j) },
	} {
		job, _ := newTestJob(t, dsID)
		if err := store.TryRegister(job); err != nil {
			t.Fatalf("TryRegister: %v", err)
		}
		finish(job)
		if _, active := store.ActiveJob(dsID); active {
			t.Error("slot should be released after terminal state")
		}
	}
}

func TestEventStreamOrder(t *testing.T) {
	store := NewJobStore()
	job, _ := newTestJob(t, uuid.New())
	if err := store.TryRegister(job); err != nil {
		t.Fatalf("TryRegister: %v", err)
	}

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	job.publish(progressEvent("connecting", "dialing"))
	job.publish(progressEvent("querying", "schemas"))
	store.Complete(job, []string{"public"})

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{"progress", "progress", "result", "done"}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

// Late subscribers miss progress but always get the buffered terminal
// events.
func TestLateSubscriberGetsTerminal(t *testing.T) {
	store := NewJobStore()
	job, _ := newTestJob(t, uuid.New())
	if err := store.TryRegister(job); err != nil {
		t.Fatalf("TryRegister: %v", err)
	}

	job.publish(progressEvent("querying", "schemas"))
	store.Fail(job, "connection refused")

	events, unsubscribe := job.Subscribe()
	defer unsubscribe()

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == "error" && ev.Message != "connection refused" {
			t.Errorf("error message = %q", ev.Message)
		}
	}
	if len(types) != 2 || types[0] != "error" || types[1] != "done" {
		t.Errorf("late subscriber events = %v", types)
	}
}

func TestCancelTripsToken(t *testing.T) {
	store := NewJobStore()
	job, ctx := newTestJob(t, uuid.New())
	if err := store.TryRegister(job); err != nil {
		t.Fatalf("TryRegister: %v", err)
	}

	if !store.Cancel(job.ID) {
		t.Fatal("Cancel should succeed for a running job")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancellation token not tripped")
	}

	// The runner observes the tripped token and records the terminal
	// state.
	store.MarkCancelled(job)
	if job.Status() != StatusCancelled {
		t.Errorf("status = %s", job.Status())
	}

	// Second cancellation after terminal state is a benign no-op.
	if store.Cancel(job.ID) {
		t.Error("cancel after terminal state should report false")
	}
}

func TestCancelUnknownJob(t *testing.T) {
	store := NewJobStore()
	if store.Cancel("nope") {
		t.Error("unknown job should not cancel")
	}
}

func TestTerminalIsIdempotent(t *testing.T) {
	store := NewJobStore()
	job, _ := newTestJob(t, uuid.New())
	if err := store.TryRegister(job); err != nil {
		t.Fatalf("TryRegister: %v", err)
	}

	store.Complete(job, "result")
	store.Fail(job, "late failure")

	if job.Status() != StatusCompleted {
		t.Errorf("first terminal state must win, got %s", job.Status())
	}
}

func TestRequestSchemaShapes(t *testing.T) {
	req := Request{Action: "discover_tables", Schemas: []byte(`["public","sales"]`)}
	names, err := req.SchemaNames()
	if err != nil || len(names) != 2 {
		t.Fatalf("SchemaNames: %v %v", names, err)
	}

	req = Request{Action: "save_catalog", Schemas: []byte(`[{"schema_name":"public","is_selected":true,"tables":[{"table_name":"orders","table_type":"TABLE","is_selected":true}]}]`)}
	sels, err := req.SchemaSelections()
	if err != nil || len(sels) != 1 || len(sels[0].Tables) != 1 {
		t.Fatalf("SchemaSelections: %+v %v", sels, err)
	}
	if !sels[0].Tables[0].IsSelected || sels[0].Tables[0].TableName != "orders" {
		t.Errorf("selection decoded wrong: %+v", sels[0])
	}

	// The wrong shape for the action is an error, not a silent zero.
	if _, err := req.SchemaNames(); err == nil {
		t.Error("object shape must not decode as names")
	}
}
