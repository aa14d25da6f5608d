package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/virta/pkg/api"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func newTestSQLiteRunStore(t *testing.T) *SQLiteRunStore {
	t.Helper()

	store, err := NewSQLiteRunStore(newTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteRunStore failed: %v", err)
	}
	return store
}

func TestSQLiteRunStore_CreateGetUpdate(t *testing.T) {
	store := newTestSQLiteRunStore(t)
	ctx := context.Background()

	rec := newRunRecord("wf-1", "run-1")
	rec.RunTimeout = time.Minute
	if err := store.CreateRun(ctx, rec); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "wf-1", "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.WorkflowType != rec.WorkflowType {
		t.Fatalf("expected workflow type %q, got %q", rec.WorkflowType, got.WorkflowType)
	}
	if got.TaskQueue != rec.TaskQueue {
		t.Fatalf("expected task queue %q, got %q", rec.TaskQueue, got.TaskQueue)
	}
	if got.RunTimeout != time.Minute {
		t.Fatalf("expected run timeout %v, got %v", time.Minute, got.RunTimeout)
	}
	if string(got.Input) != `{"n":1}` {
		t.Fatalf("expected input preserved, got %q", got.Input)
	}
	if !got.ClosedAt.IsZero() {
		t.Fatalf("expected zero ClosedAt, got %v", got.ClosedAt)
	}

	got.Status = api.StatusFailed
	got.Error = "boom"
	got.ClosedAt = time.Now()
	if err := store.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}

	got2, err := store.GetRun(ctx, "wf-1", "run-1")
	if err != nil {
		t.Fatalf("GetRun after update failed: %v", err)
	}
	if got2.Status != api.StatusFailed || got2.Error != "boom" {
		t.Fatalf("expected failed run, got status=%q error=%q", got2.Status, got2.Error)
	}
	if got2.ClosedAt.IsZero() {
		t.Fatalf("expected ClosedAt to be set")
	}
}

func TestSQLiteRunStore_CreateRejectsOpenRun(t *testing.T) {
	store := newTestSQLiteRunStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, newRunRecord("wf-1", "run-1")); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	err := store.CreateRun(ctx, newRunRecord("wf-1", "run-2"))
	if !errors.Is(err, api.ErrWorkflowAlreadyRunning) {
		t.Fatalf("expected ErrWorkflowAlreadyRunning, got %v", err)
	}

	rec, _ := store.GetRun(ctx, "wf-1", "run-1")
	rec.Status = api.StatusCancelled
	if err := store.UpdateRun(ctx, rec); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	if err := store.CreateRun(ctx, newRunRecord("wf-1", "run-2")); err != nil {
		t.Fatalf("CreateRun after close failed: %v", err)
	}

	cur, err := store.CurrentRun(ctx, "wf-1")
	if err != nil {
		t.Fatalf("CurrentRun failed: %v", err)
	}
	if cur.RunID != "run-2" {
		t.Fatalf("expected current run %q, got %q", "run-2", cur.RunID)
	}
}

func TestSQLiteRunStore_ListRuns(t *testing.T) {
	store := newTestSQLiteRunStore(t)
	ctx := context.Background()

	a := newRunRecord("wf-a", "run-1")
	b := newRunRecord("wf-b", "run-1")
	b.WorkflowType = "billing"
	c := newRunRecord("wf-c", "run-1")
	c.Status = api.StatusCompleted
	for _, rec := range []*RunRecord{a, b, c} {
		if err := store.CreateRun(ctx, rec); err != nil {
			t.Fatalf("CreateRun %s: %v", rec.WorkflowID, err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{}, "", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}

	page, err := store.ListRuns(ctx, RunFilter{}, RunKey("wf-a", "run-1"), 1)
	if err != nil {
		t.Fatalf("ListRuns page failed: %v", err)
	}
	if len(page) != 1 || page[0].WorkflowID != "wf-b" {
		t.Fatalf("expected wf-b after wf-a, got %+v", page)
	}

	byType, err := store.ListRuns(ctx, RunFilter{WorkflowType: "billing"}, "", 0)
	if err != nil {
		t.Fatalf("ListRuns by type failed: %v", err)
	}
	if len(byType) != 1 || byType[0].WorkflowID != "wf-b" {
		t.Fatalf("expected only wf-b, got %+v", byType)
	}

	byStatus, err := store.ListRuns(ctx, RunFilter{Status: api.StatusCompleted}, "", 0)
	if err != nil {
		t.Fatalf("ListRuns by status failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].WorkflowID != "wf-c" {
		t.Fatalf("expected only wf-c, got %+v", byStatus)
	}
}

func TestSQLiteEventLog_AppendReadConflict(t *testing.T) {
	log, err := NewSQLiteEventLog(newTestDB(t))
	if err != nil {
		t.Fatalf("NewSQLiteEventLog failed: %v", err)
	}
	ctx := context.Background()

	started := api.Event{
		Kind:       api.EventWorkflowStarted,
		Timestamp:  time.Now(),
		Attributes: json.RawMessage(`{"workflow_type":"test-wf"}`),
	}
	if err := log.Append(ctx, "run-1", 0, []api.Event{started}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	batch := []api.Event{
		{Kind: api.EventActivityScheduled, Timestamp: time.Now()},
		{Kind: api.EventTimerStarted, Timestamp: time.Now()},
	}
	if err := log.Append(ctx, "run-1", 0, batch); !errors.Is(err, api.ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}

	n, err := log.Length(ctx, "run-1")
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected length 1 after rejected batch, got %d", n)
	}

	if err := log.Append(ctx, "run-1", 1, batch); err != nil {
		t.Fatalf("Append at correct seq failed: %v", err)
	}

	events, err := log.Read(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, ev.Seq)
		}
	}
	if string(events[0].Attributes) != `{"workflow_type":"test-wf"}` {
		t.Fatalf("expected attributes preserved, got %q", events[0].Attributes)
	}

	tail, err := log.Read(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("Read from 2 failed: %v", err)
	}
	if len(tail) != 1 || tail[0].Kind != api.EventTimerStarted {
		t.Fatalf("expected timer.started tail, got %+v", tail)
	}
}
