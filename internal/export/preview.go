package export

import (
	"context"
	"log/slog"
	"sync"

	"shotline/internal/logging"
	"shotline/internal/render"
	"shotline/internal/services"
)

// PreviewTask renders the lightweight preview transcode. It never uploads its
// own bytes; when upload is enabled for the run it announces its output path
// to the sibling full task and finishes immediately.
type PreviewTask struct {
	cfg    TaskConfig
	engine render.Engine
	logger *slog.Logger

	mu             sync.Mutex
	state          TaskState
	renderProgress float64
	err            error
	onReady        func(PreviewReadyEvent)
	onFailed       func(error)
	notified       bool

	done chan struct{}
}

// NewPreviewTask creates a preview task. A nil logger disables logging.
func NewPreviewTask(cfg TaskConfig, engine render.Engine, logger *slog.Logger) *PreviewTask {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PreviewTask{
		cfg:    cfg,
		engine: engine,
		logger: logging.NewComponentLogger(logger, "preview-task"),
		state:  StatePending,
		done:   make(chan struct{}),
	}
}

func (t *PreviewTask) Shot() ShotIdentity { return t.cfg.Shot }

// subscribe registers the ready and failure callbacks. The correlator wires
// these before any task starts; exactly one of them fires, at most once.
func (t *PreviewTask) subscribe(onReady func(PreviewReadyEvent), onFailed func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReady = onReady
	t.onFailed = onFailed
}

// Start launches the render.
func (t *PreviewTask) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StatePending {
		t.mu.Unlock()
		return services.Wrap(services.ErrValidation, "export", "start preview", "task already started", nil)
	}
	t.state = StateRendering
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

func (t *PreviewTask) run(ctx context.Context) {
	job := render.Job{InputPath: t.cfg.InputPath, OutputPath: t.cfg.OutputPath, Preset: t.cfg.Preset}
	err := t.engine.Render(ctx, job, func(update render.ProgressUpdate) {
		t.recordProgress(update.Fraction)
	})
	if err != nil {
		t.fail(services.Wrap(nil, "export", "preview render", string(t.cfg.Shot), err))
		return
	}
	t.complete()
}

func (t *PreviewTask) recordProgress(fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fraction > 1 {
		fraction = 1
	}
	if t.state == StateRendering && fraction > t.renderProgress {
		t.renderProgress = fraction
	}
}

func (t *PreviewTask) complete() {
	t.mu.Lock()
	t.renderProgress = 1
	notify := t.cfg.UploadEnabled && !t.notified
	if notify {
		t.notified = true
	}
	onReady := t.onReady
	t.state = StateFinished
	t.mu.Unlock()

	if notify && onReady != nil {
		t.logger.Debug("preview ready", logging.String("shot", string(t.cfg.Shot)), logging.String("path", t.cfg.OutputPath))
		onReady(PreviewReadyEvent{Shot: t.cfg.Shot, Path: t.cfg.OutputPath})
	}
	close(t.done)
}

// fail records the error and, when a sibling is waiting on this preview,
// hands it the failure so it is not stranded waiting for an output that will
// never arrive.
func (t *PreviewTask) fail(err error) {
	t.mu.Lock()
	t.state = StateFailed
	t.err = err
	notify := t.cfg.UploadEnabled && !t.notified
	if notify {
		t.notified = true
	}
	onFailed := t.onFailed
	t.mu.Unlock()
	t.logger.Error("preview task failed", logging.String("shot", string(t.cfg.Shot)), logging.Error(err))
	if notify && onFailed != nil {
		onFailed(err)
	}
	close(t.done)
}

// Progress reports clamped render progress; failed tasks report 1.
func (t *PreviewTask) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFailed {
		return 1
	}
	return t.renderProgress
}

// TryFinish reports whether the task has reached a terminal state. Previews
// never defer finishing.
func (t *PreviewTask) TryFinish() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.terminal()
}

func (t *PreviewTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *PreviewTask) Done() <-chan struct{} { return t.done }

func (t *PreviewTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

var _ Task = (*PreviewTask)(nil)
