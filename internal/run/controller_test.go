package run_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"shotline/internal/export"
	"shotline/internal/render"
	"shotline/internal/run"
	"shotline/internal/services"
	"shotline/internal/services/portal"
	"shotline/internal/testsupport"
)

// writingEngine fakes a transcode by writing the output file.
type writingEngine struct {
	renders atomic.Int32
}

func (e *writingEngine) Render(ctx context.Context, job render.Job, progress func(render.ProgressUpdate)) error {
	e.renders.Add(1)
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(job.OutputPath, []byte("media"), 0o644); err != nil {
		return err
	}
	if progress != nil {
		progress(render.ProgressUpdate{Fraction: 1})
	}
	return nil
}

// fakeProjects records create-project calls.
type fakeProjects struct {
	mu    sync.Mutex
	calls []portal.ProjectSpec
	id    string
	err   error
}

func (p *fakeProjects) CreateProject(ctx context.Context, apiKey string, spec portal.ProjectSpec) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, spec)
	p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.id, nil
}

type storeRecorder struct {
	mu       sync.Mutex
	requests []string // project ids seen
	shots    []string
}

func newRecordingStore(t *testing.T, rec *storeRecorder) export.ShotStore {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		rec.mu.Lock()
		rec.requests = append(rec.requests, r.FormValue("project_id"))
		rec.shots = append(rec.shots, r.FormValue("shot_name"))
		rec.mu.Unlock()
	}))
	t.Cleanup(server.Close)
	return portal.NewClient(portal.Options{BaseURL: server.URL}, nil)
}

func TestExecuteCreatesProjectAndUploads(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	projects := &fakeProjects{id: "p1"}
	var rec storeRecorder
	store := newRecordingStore(t, &rec)
	engine := &writingEngine{}
	journalStore := testsupport.MustOpenJournal(t, cfg)

	controller := run.NewController(cfg, projects, store, engine, journalStore, nil, nil)
	err := controller.Execute(context.Background(), run.Config{
		UploadEnabled: true,
		ProjectMode:   export.ProjectModeNew,
		ProjectName:   "Alpha",
		Credential:    "tok-123",
		Sequence:      run.SequenceInfo{FrameRate: "24", Width: "1920", Height: "1080", ColorSpace: "rec709"},
		Shots: []run.ShotSpec{
			{Name: "shot_010", InputPath: "/media/shot_010.mov"},
			{Name: "shot_020", InputPath: "/media/shot_020.mov"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if controller.State() != run.StateDone {
		t.Fatalf("run state = %s", controller.State())
	}

	if len(projects.calls) != 1 {
		t.Fatalf("create-project calls = %d", len(projects.calls))
	}
	call := projects.calls[0]
	if call.Name != "Alpha" || call.FrameRate != "24" || call.Width != "1920" || call.Height != "1080" {
		t.Fatalf("create-project spec = %+v", call)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.requests) != 2 {
		t.Fatalf("uploads = %d, want 2", len(rec.requests))
	}
	for _, projectID := range rec.requests {
		if projectID != "p1" {
			t.Fatalf("upload carried project id %q, want p1", projectID)
		}
	}

	runs, err := journalStore.RecentRuns(context.Background(), 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v %v", runs, err)
	}
	if runs[0].State != string(run.StateDone) || runs[0].ProjectID != "p1" {
		t.Fatalf("journal run = %+v", runs[0])
	}
}

func TestExecuteCancellationAbortsInFlightUpload(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	var once sync.Once
	uploadStarted := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(uploadStarted) })
		// Hold the store call open until the client aborts it.
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)
	store := portal.NewClient(portal.Options{BaseURL: server.URL}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-uploadStarted
		cancel()
	}()

	controller := run.NewController(cfg, &fakeProjects{}, store, &writingEngine{}, nil, nil, nil)
	err := controller.Execute(ctx, run.Config{
		UploadEnabled: true,
		ProjectMode:   export.ProjectModeExisting,
		ProjectID:     "p9",
		Credential:    "tok",
		Shots:         []run.ShotSpec{{Name: "shot_010", InputPath: "/media/a.mov"}},
	})
	if !errors.Is(err, services.ErrTransport) {
		t.Fatalf("expected transport error after cancellation, got %v", err)
	}
	if controller.State() != run.StateFailed {
		t.Fatalf("run state = %s, want %s", controller.State(), run.StateFailed)
	}
}

func TestExecuteHaltsWhenProjectCreationFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	projects := &fakeProjects{err: services.Wrap(services.ErrTransport, "portal", "create project", "portal refused", nil)}
	engine := &writingEngine{}

	controller := run.NewController(cfg, projects, nil, engine, nil, nil, nil)
	err := controller.Execute(context.Background(), run.Config{
		UploadEnabled: true,
		ProjectMode:   export.ProjectModeNew,
		ProjectName:   "Alpha",
		Credential:    "tok",
		Shots:         []run.ShotSpec{{Name: "shot_010", InputPath: "/media/a.mov"}},
	})
	if !errors.Is(err, services.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if controller.State() != run.StateFailed {
		t.Fatalf("run state = %s", controller.State())
	}
	if engine.renders.Load() != 0 {
		t.Fatalf("no task should start after failed project resolution, renders = %d", engine.renders.Load())
	}
}

func TestExecuteRejectsEmptyProjectName(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	projects := &fakeProjects{id: "p1"}

	controller := run.NewController(cfg, projects, nil, &writingEngine{}, nil, nil, nil)
	err := controller.Execute(context.Background(), run.Config{
		UploadEnabled: true,
		ProjectMode:   export.ProjectModeNew,
		ProjectName:   "   ",
		Credential:    "tok",
		Shots:         []run.ShotSpec{{Name: "shot_010", InputPath: "/media/a.mov"}},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(projects.calls) != 0 {
		t.Fatal("validation failure must not reach the portal")
	}
}

func TestExecuteExistingProjectSkipsResolution(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	projects := &fakeProjects{id: "should-not-be-used"}
	var rec storeRecorder
	store := newRecordingStore(t, &rec)

	controller := run.NewController(cfg, projects, store, &writingEngine{}, nil, nil, nil)
	err := controller.Execute(context.Background(), run.Config{
		UploadEnabled: true,
		ProjectMode:   export.ProjectModeExisting,
		ProjectID:     "p42",
		ProjectName:   "Alpha",
		Credential:    "tok",
		Shots:         []run.ShotSpec{{Name: "shot_010", InputPath: "/media/a.mov"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(projects.calls) != 0 {
		t.Fatal("existing mode must not create a project")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.requests) != 1 || rec.requests[0] != "p42" {
		t.Fatalf("uploads = %v", rec.requests)
	}
}

func TestExecuteUploadDisabledSkipsPreviews(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	engine := &writingEngine{}

	controller := run.NewController(cfg, &fakeProjects{}, nil, engine, nil, nil, nil)
	err := controller.Execute(context.Background(), run.Config{
		UploadEnabled: false,
		ProjectMode:   export.ProjectModeExisting,
		Shots: []run.ShotSpec{
			{Name: "shot_010", InputPath: "/media/a.mov"},
			{Name: "shot_020", InputPath: "/media/b.mov"},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// One render per shot: previews are pruned before instantiation.
	if got := engine.renders.Load(); got != 2 {
		t.Fatalf("renders = %d, want 2", got)
	}
}
