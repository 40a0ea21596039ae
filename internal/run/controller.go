// Package run owns the lifecycle of one shot-processing run: project
// resolution, configuration fanout, task wiring, and processing.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"shotline/internal/config"
	"shotline/internal/export"
	"shotline/internal/journal"
	"shotline/internal/logging"
	"shotline/internal/notifications"
	"shotline/internal/render"
	"shotline/internal/services"
	"shotline/internal/services/portal"
	"shotline/internal/settings"
)

// State tracks a run through its lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateProjectResolution State = "project_resolution"
	StateFanout            State = "fanout"
	StateProcessing        State = "processing"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// SequenceInfo is the read-only projection of the editorial sequence the
// portal needs when creating a project.
type SequenceInfo struct {
	FrameRate  string
	Width      string
	Height     string
	ColorSpace string
}

// ShotSpec names one shot and its source media.
type ShotSpec struct {
	Name      string
	InputPath string
}

// Config is the run-level configuration. It is constructed once at run start
// and read-only after fanout.
type Config struct {
	UploadEnabled bool
	ProjectMode   string
	ProjectID     string
	ProjectName   string
	Credential    string
	Sequence      SequenceInfo
	Shots         []ShotSpec
}

// ProjectService is the slice of the portal client project resolution needs.
type ProjectService interface {
	CreateProject(ctx context.Context, apiKey string, spec portal.ProjectSpec) (string, error)
}

// Controller executes runs.
type Controller struct {
	cfg      *config.Config
	projects ProjectService
	store    export.ShotStore
	engine   render.Engine
	journal  *journal.Store
	notifier notifications.Service
	logger   *slog.Logger

	mu     sync.Mutex
	state  State
	runID  string
	fulls  []*export.FullTask
	cancel context.CancelFunc
}

// NewController wires a run controller from its collaborators. journal may be
// nil when run history is not wanted.
func NewController(cfg *config.Config, projects ProjectService, store export.ShotStore, engine render.Engine, history *journal.Store, notifier notifications.Service, logger *slog.Logger) *Controller {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Controller{
		cfg:      cfg,
		projects: projects,
		store:    store,
		engine:   engine,
		journal:  history,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "run"),
		state:    StateIdle,
	}
}

// State returns the controller's current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RunID returns the identifier of the current or last run.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Cancel aborts the run: every in-flight upload is cancelled and the render
// context is torn down.
func (c *Controller) Cancel() {
	c.mu.Lock()
	fulls := append([]*export.FullTask(nil), c.fulls...)
	cancel := c.cancel
	c.mu.Unlock()
	for _, full := range fulls {
		full.CancelUpload()
	}
	if cancel != nil {
		cancel()
	}
}

// Execute drives one run to completion. It returns an error only for
// run-level failures (validation, project resolution, cancellation); an
// individual shot's upload failure is recorded and logged but does not stop
// the other shots.
func (c *Controller) Execute(ctx context.Context, runCfg Config) error {
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = services.WithRunID(ctx, runID)
	logger := logging.WithContext(ctx, c.logger)

	c.mu.Lock()
	c.runID = runID
	c.state = StateIdle
	c.cancel = cancel
	c.fulls = nil
	c.mu.Unlock()

	if err := c.validate(runCfg); err != nil {
		c.finishRun(ctx, runID, StateFailed, err, time.Now())
		return err
	}

	if err := c.cfg.EnsureDirectories(); err != nil {
		wrapped := services.Wrap(services.ErrConfiguration, "run", "prepare", "ensure directories", err)
		c.finishRun(ctx, runID, StateFailed, wrapped, time.Now())
		return wrapped
	}

	lock := flock.New(filepath.Join(c.cfg.Paths.LogDir, "shotline.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		wrapped := services.Wrap(services.ErrConfiguration, "run", "lock", "acquire run lock", err)
		return wrapped
	}
	if !locked {
		return services.Wrap(services.ErrValidation, "run", "lock", "another run is already in progress", nil)
	}
	defer lock.Unlock()

	started := time.Now()
	c.recordStart(ctx, runID, runCfg, started)
	logger.Info("run started",
		logging.String("project", runCfg.ProjectName),
		logging.Int("shots", len(runCfg.Shots)),
		logging.Bool("upload", runCfg.UploadEnabled))
	_ = c.notifier.NotifyRunStarted(ctx, runCfg.ProjectName, len(runCfg.Shots))

	projectID, err := c.resolveProject(ctx, runCfg)
	if err != nil {
		logger.Error("project resolution failed", logging.Error(err))
		_ = c.notifier.NotifyRunFailed(ctx, runCfg.ProjectName, err)
		c.finishRun(ctx, runID, StateFailed, err, started)
		return err
	}
	runCfg.ProjectID = projectID
	if c.journal != nil && projectID != "" {
		_ = c.journal.UpdateRunProject(ctx, runID, projectID)
	}

	tasks, err := c.fanout(ctx, runID, runCfg)
	if err != nil {
		_ = c.notifier.NotifyRunFailed(ctx, runCfg.ProjectName, err)
		c.finishRun(ctx, runID, StateFailed, err, started)
		return err
	}

	if err := c.process(ctx, runID, runCfg, tasks); err != nil {
		_ = c.notifier.NotifyRunFailed(ctx, runCfg.ProjectName, err)
		c.finishRun(ctx, runID, StateFailed, err, started)
		return err
	}

	uploaded := 0
	for _, task := range tasks {
		if _, ok := task.(*export.FullTask); ok && task.State() == export.StateFinished {
			uploaded++
		}
	}
	logger.Info("run complete", logging.Int("uploaded", uploaded), logging.Duration("elapsed", time.Since(started)))
	_ = c.notifier.NotifyRunCompleted(ctx, runCfg.ProjectName, uploaded, time.Since(started))
	c.finishRun(ctx, runID, StateDone, nil, started)
	return nil
}

func (c *Controller) validate(runCfg Config) error {
	switch runCfg.ProjectMode {
	case export.ProjectModeNew, export.ProjectModeExisting:
	default:
		return services.Wrap(services.ErrValidation, "run", "validate", fmt.Sprintf("unknown project mode %q", runCfg.ProjectMode), nil)
	}
	if runCfg.UploadEnabled && runCfg.ProjectMode == export.ProjectModeNew && strings.TrimSpace(runCfg.ProjectName) == "" {
		return services.Wrap(services.ErrValidation, "run", "validate", "project name must not be empty when creating a new project", nil)
	}
	if len(runCfg.Shots) == 0 {
		return services.Wrap(services.ErrValidation, "run", "validate", "run has no shots", nil)
	}
	return nil
}

// resolveProject performs the one synchronous portal call a run may need.
// The call is bounded by portal.request_timeout; no task starts against a
// project id that does not exist yet.
func (c *Controller) resolveProject(ctx context.Context, runCfg Config) (string, error) {
	if !runCfg.UploadEnabled || runCfg.ProjectMode != export.ProjectModeNew {
		return runCfg.ProjectID, nil
	}
	c.setState(ctx, StateProjectResolution)

	timeout := time.Duration(c.cfg.Portal.RequestTimeout) * time.Second
	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	projectID, err := c.projects.CreateProject(resolveCtx, runCfg.Credential, portal.ProjectSpec{
		Name:       runCfg.ProjectName,
		FrameRate:  runCfg.Sequence.FrameRate,
		Width:      runCfg.Sequence.Width,
		Height:     runCfg.Sequence.Height,
		ColorSpace: runCfg.Sequence.ColorSpace,
	})
	if err != nil {
		if resolveCtx.Err() != nil && ctx.Err() == nil {
			return "", services.Wrap(services.ErrTransport, "run", "project resolution", "create project timed out", resolveCtx.Err())
		}
		return "", err
	}
	return projectID, nil
}

// fanout builds the export tree, prunes previews when upload is disabled,
// and copies run-level settings into every upload-capable task config. Each
// config is a value copy; mutating the run config afterwards cannot reach a
// task.
func (c *Controller) fanout(ctx context.Context, runID string, runCfg Config) ([]export.Task, error) {
	c.setState(ctx, StateFanout)

	tree := c.buildTree(runID, runCfg)
	if !runCfg.UploadEnabled {
		tree = export.PrunePreviews(tree)
	}
	leaves := export.Leaves(tree)

	tasks := make([]export.Task, 0, len(leaves))
	fulls := make([]*export.FullTask, 0, len(leaves))
	for _, leaf := range leaves {
		taskCfg := leaf.Config
		if taskCfg.SupportsUpload {
			taskCfg.UploadEnabled = runCfg.UploadEnabled
			taskCfg.ProjectID = runCfg.ProjectID
			taskCfg.ProjectMode = runCfg.ProjectMode
			taskCfg.ProjectName = runCfg.ProjectName
			taskCfg.Credential = runCfg.Credential
		}
		switch leaf.Kind {
		case export.KindFull:
			full := export.NewFullTask(taskCfg, c.engine, c.store, c.logger)
			fulls = append(fulls, full)
			tasks = append(tasks, full)
		case export.KindPreview:
			tasks = append(tasks, export.NewPreviewTask(taskCfg, c.engine, c.logger))
		}
	}

	c.mu.Lock()
	c.fulls = fulls
	c.mu.Unlock()
	return tasks, nil
}

// buildTree lays the run out as one group per shot holding a full leaf and a
// preview leaf. Output paths live under the staging directory, keyed by run.
func (c *Controller) buildTree(runID string, runCfg Config) *export.TreeNode {
	root := &export.TreeNode{Name: runID, Kind: export.KindGroup}
	for _, shot := range runCfg.Shots {
		shotDir := filepath.Join(c.cfg.Paths.StagingDir, runID, shot.Name)
		group := &export.TreeNode{
			Name: shot.Name,
			Kind: export.KindGroup,
			Children: []*export.TreeNode{
				{
					Name: shot.Name + " full",
					Kind: export.KindFull,
					Config: export.TaskConfig{
						Shot:           export.ShotIdentity(shot.Name),
						InputPath:      shot.InputPath,
						OutputPath:     filepath.Join(shotDir, "frames", shot.Name+c.cfg.Upload.ArchiveExt),
						SupportsUpload: true,
						ArchiveExt:     c.cfg.Upload.ArchiveExt,
					},
				},
				{
					Name: shot.Name + " preview",
					Kind: export.KindPreview,
					Config: export.TaskConfig{
						Shot:           export.ShotIdentity(shot.Name),
						InputPath:      shot.InputPath,
						OutputPath:     filepath.Join(shotDir, shot.Name+"_preview.mov"),
						Preset:         c.cfg.Render.PreviewPreset,
						SupportsUpload: true,
					},
				},
			},
		}
		root.Children = append(root.Children, group)
	}
	return root
}

// process wires the correlator, starts every task, and waits for the run to
// converge. Task-level failures are recorded; only cancellation fails the
// run here.
func (c *Controller) process(ctx context.Context, runID string, runCfg Config, tasks []export.Task) error {
	if err := export.Wire(tasks); err != nil {
		return err
	}
	c.setState(ctx, StateProcessing)

	for _, task := range tasks {
		c.recordTask(ctx, runID, task)
		if err := task.Start(ctx); err != nil {
			logging.WithContext(ctx, c.logger).Error("task failed to start",
				logging.String("shot", string(task.Shot())), logging.Error(err))
		}
	}

	for _, task := range tasks {
		select {
		case <-task.Done():
			c.recordTask(ctx, runID, task)
			if err := task.Err(); err == nil {
				if full, ok := task.(*export.FullTask); ok && runCfg.UploadEnabled {
					_ = c.notifier.NotifyShotUploaded(ctx, string(full.Shot()), runCfg.ProjectName)
				}
			}
		case <-ctx.Done():
			c.Cancel()
			for _, t := range tasks {
				c.recordTask(ctx, runID, t)
			}
			return services.Wrap(services.ErrTransport, "run", "processing", "run cancelled", ctx.Err())
		}
	}
	return nil
}

func (c *Controller) setState(ctx context.Context, state State) {
	c.mu.Lock()
	c.state = state
	runID := c.runID
	c.mu.Unlock()
	if c.journal != nil && !stateTerminal(state) {
		_ = c.journal.UpdateRunState(ctx, runID, string(state), "")
	}
}

func stateTerminal(state State) bool {
	return state == StateDone || state == StateFailed
}

func (c *Controller) recordStart(ctx context.Context, runID string, runCfg Config, started time.Time) {
	if c.journal == nil {
		return
	}
	_ = c.journal.RecordRunStart(ctx, journal.RunRecord{
		ID:          runID,
		ProjectName: runCfg.ProjectName,
		ProjectID:   runCfg.ProjectID,
		UploadOn:    runCfg.UploadEnabled,
		State:       string(StateIdle),
		StartedAt:   started,
	})
}

func (c *Controller) finishRun(ctx context.Context, runID string, state State, cause error, started time.Time) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	if c.journal == nil {
		return
	}
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	_ = c.journal.RecordRunFinish(ctx, runID, string(state), errText, time.Now())
}

func (c *Controller) recordTask(ctx context.Context, runID string, task export.Task) {
	if c.journal == nil {
		return
	}
	kind := "preview"
	if _, ok := task.(*export.FullTask); ok {
		kind = "full"
	}
	errText := ""
	if err := task.Err(); err != nil {
		errText = err.Error()
	}
	_ = c.journal.UpsertTask(ctx, journal.TaskRecord{
		RunID:    runID,
		Shot:     string(task.Shot()),
		Kind:     kind,
		State:    string(task.State()),
		Progress: task.Progress(),
		Error:    errText,
	})
}

// CredentialFromSession resolves the run credential from a loaded session.
func CredentialFromSession(session *settings.Session) string {
	return session.Credential()
}
