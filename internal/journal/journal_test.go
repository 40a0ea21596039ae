package journal_test

import (
	"context"
	"testing"
	"time"

	"shotline/internal/journal"
	"shotline/internal/testsupport"
)

func TestRunLifecycleRoundTrip(t *testing.T) {
	store := testsupport.MustOpenJournal(t, testsupport.NewConfig(t))
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	if err := store.RecordRunStart(ctx, journal.RunRecord{
		ID:          "run-1",
		ProjectName: "Alpha",
		UploadOn:    true,
		State:       "project_resolution",
		StartedAt:   started,
	}); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	if err := store.UpdateRunProject(ctx, "run-1", "p1"); err != nil {
		t.Fatalf("UpdateRunProject: %v", err)
	}
	if err := store.UpdateRunState(ctx, "run-1", "processing", ""); err != nil {
		t.Fatalf("UpdateRunState: %v", err)
	}
	if err := store.RecordRunFinish(ctx, "run-1", "done", "", time.Now()); err != nil {
		t.Fatalf("RecordRunFinish: %v", err)
	}

	runs, err := store.RecentRuns(ctx, 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	run := runs[0]
	if run.ID != "run-1" || run.ProjectID != "p1" || run.State != "done" || !run.UploadOn {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.FinishedAt.IsZero() {
		t.Fatal("finished_at not recorded")
	}
}

func TestRecentRunsOrdering(t *testing.T) {
	store := testsupport.MustOpenJournal(t, testsupport.NewConfig(t))
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.RecordRunStart(ctx, journal.RunRecord{
			ID:        id,
			State:     "done",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordRunStart %s: %v", id, err)
		}
	}

	runs, err := store.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-c" || runs[1].ID != "run-b" {
		t.Fatalf("unexpected ordering: %+v", runs)
	}
}

func TestUpsertTaskOverwrites(t *testing.T) {
	store := testsupport.MustOpenJournal(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if err := store.RecordRunStart(ctx, journal.RunRecord{ID: "run-1", State: "processing", StartedAt: time.Now()}); err != nil {
		t.Fatalf("RecordRunStart: %v", err)
	}
	task := journal.TaskRecord{RunID: "run-1", Shot: "shot_010", Kind: "full", State: "rendering", Progress: 0.25}
	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	task.State = "finished"
	task.Progress = 1
	if err := store.UpsertTask(ctx, task); err != nil {
		t.Fatalf("UpsertTask update: %v", err)
	}

	tasks, err := store.TasksForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("TasksForRun: %v", err)
	}
	if len(tasks) != 1 || tasks[0].State != "finished" || tasks[0].Progress != 1 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}
