package journal

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	js, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	return js
}

func TestOpenEphemeral(t *testing.T) {
	js, err := Open(context.Background(), config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	if err := js.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := js.RecordJob(context.Background(), Job{ID: "job-1", Status: "ok"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	if _, err := js.GetJob(context.Background(), "job-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("ephemeral store must not keep jobs, got %v", err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	js := openTemp(t, config.JournalConfig{RetentionMode: "session"})
	ctx := context.Background()

	job := Job{ID: "job-123", Mode: "buffered", Voice: "amy", Units: 3, Merged: 2, Skipped: 1, Bytes: 4096, Status: "ok", Duration: 1500 * time.Millisecond}
	if err := js.RecordJob(ctx, job); err != nil {
		t.Fatalf("record job: %v", err)
	}
	if err := js.AppendEvent(ctx, Event{JobID: job.ID, Type: "unit_skipped", UnitIndex: 1, Detail: "synthesis_failed"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	got, err := js.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Merged != 2 || got.Skipped != 1 || got.Voice != "amy" || got.Duration != job.Duration {
		t.Fatalf("unexpected job %+v", got)
	}
	events, err := js.ListJobEvents(ctx, job.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].UnitIndex != 1 || events[0].Detail != "synthesis_failed" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestRecordJobUpdatesExisting(t *testing.T) {
	js := openTemp(t, config.JournalConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	if err := js.RecordJob(ctx, Job{ID: "job-1", Units: 4, Status: "running"}); err != nil {
		t.Fatalf("record job: %v", err)
	}
	if err := js.RecordJob(ctx, Job{ID: "job-1", Units: 4, Merged: 4, Status: "ok"}); err != nil {
		t.Fatalf("update job: %v", err)
	}
	jobs, err := js.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "ok" || jobs[0].Merged != 4 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	js := openTemp(t, config.JournalConfig{RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1})
	ctx := context.Background()

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.RecordJob(ctx, Job{ID: "old-job", Status: "ok"}); err != nil {
		t.Fatalf("record job: %v", err)
	}
	if err := js.AppendEvent(ctx, Event{JobID: "old-job", Type: "unit_skipped"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-job", "new-job"} {
		if err := js.RecordJob(ctx, Job{ID: id, Status: "ok"}); err != nil {
			t.Fatalf("record job: %v", err)
		}
		js.clock = func() time.Time { return time.Date(2025, 1, 3, 1, 0, 0, 0, time.UTC) }
	}
	if err := js.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := js.ListJobEvents(ctx, "old-job")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old job events pruned")
	}
	jobs, err := js.RecentJobs(ctx, 10)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "new-job" {
		t.Fatalf("expected only the newest job to survive, got %+v", jobs)
	}
}
