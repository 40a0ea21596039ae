package export

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shotline/internal/render"
	"shotline/internal/services"
	"shotline/internal/services/portal"
)

// fakeEngine reports the given progress steps and returns err. When block is
// set it waits for the channel (or context) before completing.
type fakeEngine struct {
	steps []float64
	err   error
	block chan struct{}
}

func (e *fakeEngine) Render(ctx context.Context, job render.Job, progress func(render.ProgressUpdate)) error {
	for _, step := range e.steps {
		if progress != nil {
			progress(render.ProgressUpdate{Fraction: step})
		}
	}
	if e.block != nil {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return e.err
}

// fakeHandle is a pre-seeded upload handle for progress-blend checks.
type fakeHandle struct {
	fraction float64
	done     chan struct{}
}

func (h *fakeHandle) Fraction() float64     { return h.fraction }
func (h *fakeHandle) Cancel()               {}
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return nil }

func waitTask(t *testing.T, task Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never reached a terminal state", task.Shot())
	}
}

func writeFrames(t *testing.T, dir string, names ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("frame"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func newStore(t *testing.T, record *portal.StoreShotRequest) ShotStore {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		record.APIKey = r.FormValue("api_key")
		record.ProjectID = r.FormValue("project_id")
		record.ShotName = r.FormValue("shot_name")
		if _, header, err := r.FormFile("shot_file"); err == nil {
			record.ArchivePath = header.Filename
		}
		if _, header, err := r.FormFile("preview_file"); err == nil {
			record.PreviewPath = header.Filename
		}
	}))
	t.Cleanup(server.Close)
	return portal.NewClient(portal.Options{BaseURL: server.URL}, nil)
}

func TestProgressBlendValue(t *testing.T) {
	task := &FullTask{
		cfg:            TaskConfig{Shot: "shot_010", UploadEnabled: true, Credential: "tok"},
		state:          StateUploading,
		renderProgress: 0.80,
		upload:         &fakeHandle{fraction: 0.50},
		done:           make(chan struct{}),
	}
	got := task.Progress()
	want := 0.80/2.0 + 0.50/2.05
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("blend = %v, want %v", got, want)
	}
	if math.Abs(got-0.6439) > 5e-5 {
		t.Fatalf("blend = %v, expected about 0.6439", got)
	}
}

func TestProgressBlendClampsRenderOvershoot(t *testing.T) {
	task := &FullTask{
		cfg:            TaskConfig{Shot: "shot_010", UploadEnabled: true, Credential: "tok"},
		state:          StateUploading,
		renderProgress: 1.0,
		upload:         &fakeHandle{fraction: 1.0},
		done:           make(chan struct{}),
	}
	task.recordRenderProgress(1.3)
	if got := task.Progress(); got > 1.0 {
		t.Fatalf("blend exceeded 1.0: %v", got)
	}
}

func TestPreviewFinishTriggersFullUpload(t *testing.T) {
	staging := t.TempDir()
	frameDir := writeFrames(t, filepath.Join(staging, "shot_010"), "shot_010.0001.mov", "shot_010.0002.mov")
	previewPath := filepath.Join(t.TempDir(), "shot_010_preview.mov")
	if err := os.WriteFile(previewPath, []byte("preview"), 0o644); err != nil {
		t.Fatal(err)
	}

	var stored portal.StoreShotRequest
	store := newStore(t, &stored)

	cfg := TaskConfig{
		Shot:           "shot_010",
		SupportsUpload: true,
		UploadEnabled:  true,
		ProjectID:      "p1",
		Credential:     "tok-123",
	}
	fullCfg := cfg
	fullCfg.OutputPath = filepath.Join(frameDir, "shot_010.0001.mov")
	previewCfg := cfg
	previewCfg.OutputPath = previewPath

	full := NewFullTask(fullCfg, &fakeEngine{steps: []float64{0.5, 1}}, store, nil)
	preview := NewPreviewTask(previewCfg, &fakeEngine{steps: []float64{1}}, nil)

	if err := Wire([]Task{preview, full}); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	ctx := context.Background()
	if err := full.Start(ctx); err != nil {
		t.Fatalf("start full: %v", err)
	}
	if err := preview.Start(ctx); err != nil {
		t.Fatalf("start preview: %v", err)
	}
	waitTask(t, preview)
	waitTask(t, full)

	if full.State() != StateUploaded && full.State() != StateFinished {
		t.Fatalf("full state = %s", full.State())
	}
	if stored.ShotName != "shot_010" || stored.ProjectID != "p1" || stored.APIKey != "tok-123" {
		t.Fatalf("store request = %+v", stored)
	}
	if stored.PreviewPath != filepath.Base(previewPath) {
		t.Fatalf("preview attachment = %q, want %q", stored.PreviewPath, filepath.Base(previewPath))
	}
	if stored.ArchivePath != "shot_010.zip" {
		t.Fatalf("archive attachment = %q", stored.ArchivePath)
	}
	if got := full.Progress(); got != 1 {
		t.Fatalf("finished progress = %v", got)
	}
	if !full.TryFinish() || !full.TryFinish() {
		t.Fatal("TryFinish should be true and idempotent after upload")
	}
}

func TestFullWithoutSiblingUploadsImmediately(t *testing.T) {
	staging := t.TempDir()
	frameDir := writeFrames(t, filepath.Join(staging, "shot_020"), "shot_020.0001.mov")

	var stored portal.StoreShotRequest
	store := newStore(t, &stored)

	full := NewFullTask(TaskConfig{
		Shot:          "shot_020",
		UploadEnabled: true,
		ProjectID:     "p1",
		Credential:    "tok",
		OutputPath:    filepath.Join(frameDir, "shot_020.0001.mov"),
	}, &fakeEngine{steps: []float64{1}}, store, nil)

	if err := Wire([]Task{full}); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	if err := full.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTask(t, full)
	if stored.ShotName != "shot_020" {
		t.Fatalf("store request = %+v", stored)
	}
	if stored.PreviewPath != "" {
		t.Fatalf("unexpected preview attachment %q", stored.PreviewPath)
	}
}

func TestPreviewFailureReleasesFullTask(t *testing.T) {
	staging := t.TempDir()
	frameDir := writeFrames(t, filepath.Join(staging, "shot_070"), "shot_070.0001.mov")

	full := NewFullTask(TaskConfig{
		Shot:          "shot_070",
		UploadEnabled: true,
		ProjectID:     "p1",
		Credential:    "tok",
		OutputPath:    filepath.Join(frameDir, "shot_070.0001.mov"),
	}, &fakeEngine{steps: []float64{1}}, nil, nil)
	preview := NewPreviewTask(TaskConfig{
		Shot:          "shot_070",
		UploadEnabled: true,
		OutputPath:    filepath.Join(t.TempDir(), "shot_070_preview.mov"),
	}, &fakeEngine{err: errors.New("encoder crashed")}, nil)

	if err := Wire([]Task{preview, full}); err != nil {
		t.Fatalf("Wire: %v", err)
	}
	ctx := context.Background()
	if err := full.Start(ctx); err != nil {
		t.Fatalf("start full: %v", err)
	}
	if err := preview.Start(ctx); err != nil {
		t.Fatalf("start preview: %v", err)
	}
	waitTask(t, preview)
	waitTask(t, full)

	if preview.State() != StateFailed {
		t.Fatalf("preview state = %s", preview.State())
	}
	if full.State() != StateFailed {
		t.Fatalf("full state = %s, want %s after preview failure", full.State(), StateFailed)
	}
	if full.Err() == nil {
		t.Fatal("expected the full task to carry the preview's failure")
	}
	if got := full.Progress(); got != 1 {
		t.Fatalf("failed progress = %v, want 1", got)
	}
	if !full.TryFinish() {
		t.Fatal("TryFinish should succeed once the task has failed")
	}
}

func TestMissingCredentialFailsBeforeRender(t *testing.T) {
	engine := &fakeEngine{steps: []float64{1}}
	full := NewFullTask(TaskConfig{
		Shot:          "shot_030",
		UploadEnabled: true,
		Credential:    "none",
	}, engine, nil, nil)

	err := full.Start(context.Background())
	if !errors.Is(err, services.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if full.State() != StateFailed {
		t.Fatalf("state = %s", full.State())
	}
	if got := full.Progress(); got != 1 {
		t.Fatalf("failed progress = %v, want 1", got)
	}
}

func TestFinishDefersUntilUploadStarts(t *testing.T) {
	full := NewFullTask(TaskConfig{
		Shot:          "shot_040",
		UploadEnabled: true,
		Credential:    "tok",
		OutputPath:    filepath.Join(t.TempDir(), "frames", "f.mov"),
	}, &fakeEngine{steps: []float64{1}}, nil, nil)
	full.setExpectPreview(true)

	if err := full.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for full.State() != StateReadyForUpload {
		if time.Now().After(deadline) {
			t.Fatalf("task never reached ready_for_upload, state = %s", full.State())
		}
		time.Sleep(time.Millisecond)
	}
	if full.TryFinish() {
		t.Fatal("TryFinish should defer while a required upload has not started")
	}
}

func TestUploadDisabledFullFinishesOnRender(t *testing.T) {
	full := NewFullTask(TaskConfig{
		Shot:       "shot_050",
		OutputPath: filepath.Join(t.TempDir(), "f.mov"),
	}, &fakeEngine{steps: []float64{0.3, 0.9, 1}}, nil, nil)

	if err := full.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitTask(t, full)
	if full.State() != StateFinished {
		t.Fatalf("state = %s", full.State())
	}
	if got := full.Progress(); got != 1 {
		t.Fatalf("progress = %v", got)
	}
	if !full.TryFinish() {
		t.Fatal("TryFinish should succeed without upload")
	}
}

func TestProgressMonotone(t *testing.T) {
	task := &FullTask{
		cfg:  TaskConfig{Shot: "shot_060", UploadEnabled: true, Credential: "tok"},
		done: make(chan struct{}),
	}
	task.state = StateRendering

	var last float64
	check := func() {
		if got := task.Progress(); got < last {
			t.Fatalf("progress regressed from %v to %v", last, got)
		} else {
			last = got
		}
	}
	for _, step := range []float64{0.1, 0.05, 0.4, 1.2} {
		task.recordRenderProgress(step)
		check()
	}
	task.mu.Lock()
	task.state = StateUploading
	task.upload = &fakeHandle{fraction: 0.7}
	task.mu.Unlock()
	check()
	task.mu.Lock()
	task.uploaded = true
	task.mu.Unlock()
	check()
}

func TestWireRejectsDuplicatePreviewIdentity(t *testing.T) {
	a := NewPreviewTask(TaskConfig{Shot: "shot_010"}, &fakeEngine{}, nil)
	b := NewPreviewTask(TaskConfig{Shot: "shot_010"}, &fakeEngine{}, nil)
	full := NewFullTask(TaskConfig{Shot: "shot_010"}, &fakeEngine{}, nil, nil)

	err := Wire([]Task{a, b, full})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPrunePreviewsRemovesLeavesAndEmptyGroups(t *testing.T) {
	tree := &TreeNode{
		Name: "run",
		Kind: KindGroup,
		Children: []*TreeNode{
			{Name: "shot_010", Kind: KindGroup, Children: []*TreeNode{
				{Name: "full", Kind: KindFull},
				{Name: "preview", Kind: KindPreview},
			}},
			{Name: "previews-only", Kind: KindGroup, Children: []*TreeNode{
				{Name: "preview", Kind: KindPreview},
			}},
		},
	}

	pruned := PrunePreviews(tree)
	if pruned == nil {
		t.Fatal("tree with a full task should survive pruning")
	}
	leaves := Leaves(pruned)
	if len(leaves) != 1 || leaves[0].Kind != KindFull {
		t.Fatalf("leaves after pruning = %+v", leaves)
	}

	onlyPreviews := &TreeNode{Kind: KindGroup, Children: []*TreeNode{{Kind: KindPreview}}}
	if got := PrunePreviews(onlyPreviews); got != nil {
		t.Fatalf("preview-only tree should prune to nil, got %+v", got)
	}
}
