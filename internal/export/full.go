package export

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"shotline/internal/logging"
	"shotline/internal/packager"
	"shotline/internal/render"
	"shotline/internal/services"
	"shotline/internal/services/portal"
	"shotline/internal/settings"
)

// uploadHandle is the slice of *uploader.Handle the task needs.
type uploadHandle interface {
	Fraction() float64
	Cancel()
	Done() <-chan struct{}
	Err() error
}

// FullTask renders the full-quality transcode, archives its output frames,
// and uploads archive plus preview to the portal. Its progress blends render
// and upload into one monotone signal.
type FullTask struct {
	cfg    TaskConfig
	engine render.Engine
	store  ShotStore
	logger *slog.Logger

	mu             sync.Mutex
	state          TaskState
	renderProgress float64
	previewPath    string
	previewErr     error
	previewArrived bool
	expectPreview  bool
	upload         uploadHandle
	uploadStarted  bool
	uploaded       bool
	finished       bool
	err            error
	cancel         context.CancelFunc
	ctx            context.Context

	done chan struct{}
}

// NewFullTask creates a full-quality task. A nil logger disables logging.
func NewFullTask(cfg TaskConfig, engine render.Engine, store ShotStore, logger *slog.Logger) *FullTask {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FullTask{
		cfg:    cfg,
		engine: engine,
		store:  store,
		logger: logging.NewComponentLogger(logger, "full-task"),
		state:  StatePending,
		done:   make(chan struct{}),
	}
}

func (t *FullTask) Shot() ShotIdentity { return t.cfg.Shot }

// setExpectPreview tells the task whether a sibling preview exists. Without a
// sibling the upload proceeds as soon as the render completes.
func (t *FullTask) setExpectPreview(expect bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expectPreview = expect
}

// Start validates the credential and launches the render. A missing
// credential with upload required fails the task before any rendering or
// network activity.
func (t *FullTask) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return services.Wrap(services.ErrValidation, "export", "start full", "task already started", nil)
	}
	if t.cfg.UploadEnabled && (t.cfg.Credential == "" || t.cfg.Credential == settings.MissingCredential) {
		err := services.Wrap(services.ErrAuth, "export", "start full", "log in before uploading", nil)
		t.state = StateFailed
		t.err = err
		t.mu.Unlock()
		close(t.done)
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	t.ctx = ctx
	t.cancel = cancel
	t.state = StateRendering
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

func (t *FullTask) run(ctx context.Context) {
	job := render.Job{InputPath: t.cfg.InputPath, OutputPath: t.cfg.OutputPath, Preset: t.cfg.Preset}
	err := t.engine.Render(ctx, job, func(update render.ProgressUpdate) {
		t.recordRenderProgress(update.Fraction)
	})
	if err != nil {
		t.fail(services.Wrap(nil, "export", "full render", string(t.cfg.Shot), err))
		return
	}
	t.renderComplete()
}

func (t *FullTask) recordRenderProgress(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fraction > 1 {
		fraction = 1
	}
	if t.state == StateRendering && fraction > t.renderProgress {
		t.renderProgress = fraction
	}
}

func (t *FullTask) renderComplete() {
	t.mu.Lock()
	t.renderProgress = 1
	if !t.cfg.UploadEnabled {
		t.state = StateFinished
		t.mu.Unlock()
		close(t.done)
		return
	}
	t.state = StateReadyForUpload
	launch := t.previewArrived || !t.expectPreview
	t.mu.Unlock()

	if launch {
		go t.beginUpload()
	}
}

// OnPreviewReady receives the sibling preview's output path. The first event
// wins; later deliveries are ignored.
func (t *FullTask) OnPreviewReady(event PreviewReadyEvent) {
	t.mu.Lock()
	if t.previewArrived {
		t.mu.Unlock()
		return
	}
	t.previewArrived = true
	t.previewPath = event.Path
	launch := t.state == StateReadyForUpload
	t.mu.Unlock()

	if launch {
		go t.beginUpload()
	}
}

// OnPreviewFailed releases the task when its sibling preview can never
// deliver its output. The portal store needs the preview attachment, so the
// shot fails with the preview's error instead of waiting forever; other
// shots are unaffected.
func (t *FullTask) OnPreviewFailed(cause error) {
	t.mu.Lock()
	if t.previewArrived {
		t.mu.Unlock()
		return
	}
	t.previewArrived = true
	t.previewErr = cause
	launch := t.state == StateReadyForUpload
	t.mu.Unlock()

	if launch {
		go t.beginUpload()
	}
}

// beginUpload archives the rendered frames and drives the uploader. The
// archive lands next to the frame directory, named after it.
func (t *FullTask) beginUpload() {
	t.mu.Lock()
	if t.state != StateReadyForUpload {
		t.mu.Unlock()
		return
	}
	if cause := t.previewErr; cause != nil {
		t.mu.Unlock()
		t.fail(services.Wrap(nil, "export", "full upload", "preview render failed", cause))
		return
	}
	frameDir := filepath.Dir(t.cfg.OutputPath)
	ext := t.cfg.ArchiveExt
	if ext == "" {
		ext = filepath.Ext(t.cfg.OutputPath)
	}
	archivePath := filepath.Join(filepath.Dir(frameDir), filepath.Base(frameDir)+".zip")
	previewPath := t.previewPath
	ctx := t.ctx
	t.mu.Unlock()

	if err := packager.Create(archivePath, frameDir, ext); err != nil {
		t.fail(err)
		return
	}

	handle, err := t.store.StoreShot(ctx, portal.StoreShotRequest{
		APIKey:      t.cfg.Credential,
		ProjectID:   t.cfg.ProjectID,
		ShotName:    string(t.cfg.Shot),
		ArchivePath: archivePath,
		PreviewPath: previewPath,
	})
	if err != nil {
		t.fail(err)
		return
	}

	t.mu.Lock()
	t.upload = handle
	t.uploadStarted = true
	t.state = StateUploading
	t.mu.Unlock()
	t.logger.Info("upload started", logging.String("shot", string(t.cfg.Shot)), logging.String("archive", archivePath))

	<-handle.Done()
	if err := handle.Err(); err != nil {
		t.fail(err)
		return
	}

	t.mu.Lock()
	t.uploaded = true
	t.state = StateUploaded
	t.mu.Unlock()
	t.logger.Info("shot uploaded", logging.String("shot", string(t.cfg.Shot)))

	t.mu.Lock()
	t.state = StateFinished
	t.mu.Unlock()
	close(t.done)
}

func (t *FullTask) fail(err error) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()
	t.logger.Error("full task failed", logging.String("shot", string(t.cfg.Shot)), logging.Error(err))
	close(t.done)
}

// Progress blends render and upload when uploading is configured:
// min(render, 1)/2 + upload/2.05. The skewed denominator keeps the bar
// just short of 100% until the uploaded transition lands. Without upload it
// is plain clamped render progress. Failed and uploaded tasks report 1.
func (t *FullTask) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed || t.uploaded {
		return 1
	}
	if !t.cfg.UploadEnabled {
		return t.renderProgress
	}
	renderPart := t.renderProgress
	if renderPart > 1 {
		renderPart = 1
	}
	var uploadPart float64
	if t.upload != nil {
		uploadPart = t.upload.Fraction()
	}
	return (renderPart / 2.0) + (uploadPart / 2.05)
}

// TryFinish defers while a required upload has not started, so the run is
// not torn down before the upload begins. Once uploading, it cancels any
// still-pending transfer and finishes.
func (t *FullTask) TryFinish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return true
	}
	if t.state.terminal() {
		t.finished = true
		return true
	}
	uploadRequired := t.cfg.UploadEnabled && t.cfg.Credential != "" && t.cfg.Credential != settings.MissingCredential
	if uploadRequired {
		if !t.uploaded && !t.uploadStarted {
			return false
		}
		if !t.uploaded && t.upload != nil {
			t.upload.Cancel()
		}
	} else if t.upload != nil {
		t.upload.Cancel()
	}
	t.finished = true
	return true
}

// CancelUpload aborts the in-flight upload, if any. Run cancellation calls
// this for every full task; render cancellation travels through the context.
func (t *FullTask) CancelUpload() {
	t.mu.Lock()
	handle := t.upload
	cancel := t.cancel
	t.mu.Unlock()
	if handle != nil {
		handle.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

func (t *FullTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *FullTask) Done() <-chan struct{} { return t.done }

func (t *FullTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

var _ Task = (*FullTask)(nil)
