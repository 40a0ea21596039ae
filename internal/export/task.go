// Package export wraps the render engine in per-shot tasks, correlates each
// full-quality task with its preview sibling, and drives the shot upload when
// the preview is ready.
package export

import (
	"context"

	"shotline/internal/services/portal"
	"shotline/internal/uploader"
)

// ShotIdentity is the stable identifier for one exportable shot within a run.
// A full task and its preview sibling share the same identity.
type ShotIdentity string

// TaskState tracks a task through its lifecycle.
type TaskState string

const (
	StatePending        TaskState = "pending"
	StateRendering      TaskState = "rendering"
	StateReadyForUpload TaskState = "ready_for_upload"
	StateUploading      TaskState = "uploading"
	StateUploaded       TaskState = "uploaded"
	StateFinished       TaskState = "finished"
	StateFailed         TaskState = "failed"
)

// terminal reports whether no further transitions can happen.
func (s TaskState) terminal() bool {
	return s == StateFinished || s == StateFailed
}

// PreviewReadyEvent announces a finished preview render to the sibling full
// task. Emitted at most once per preview task.
type PreviewReadyEvent struct {
	Shot ShotIdentity
	Path string
}

// TaskConfig is one task's configuration snapshot. The run controller copies
// it by value out of the run config at fanout, so later run-level mutation
// never reaches an in-flight task.
type TaskConfig struct {
	Shot       ShotIdentity
	InputPath  string
	OutputPath string
	Preset     string

	// SupportsUpload marks tasks that accept upload-related configuration
	// during fanout. Tasks without it are left untouched.
	SupportsUpload bool
	UploadEnabled  bool
	ProjectID      string
	ProjectMode    string
	ProjectName    string
	Credential     string

	// ArchiveExt filters which rendered files enter the shot archive. Empty
	// means "same extension as the output path".
	ArchiveExt string
}

// Project modes a run can operate in.
const (
	ProjectModeNew      = "new"
	ProjectModeExisting = "existing"
)

// Task is the uniform contract the run controller drives.
type Task interface {
	// Shot returns the task's shot identity.
	Shot() ShotIdentity
	// Start begins rendering. It returns immediately; completion is delivered
	// through Done. Starting a task twice is an error.
	Start(ctx context.Context) error
	// Progress returns the blended completion fraction in [0, 1],
	// monotonically non-decreasing over the task's lifetime.
	Progress() float64
	// TryFinish attempts to finish the task. It reports false while a
	// required upload has not started yet; once true it stays true.
	TryFinish() bool
	// State returns the current lifecycle state.
	State() TaskState
	// Done is closed when the task reaches a terminal state.
	Done() <-chan struct{}
	// Err returns the failure cause for a failed task.
	Err() error
}

// ShotStore starts the shot upload. *portal.Client satisfies it.
type ShotStore interface {
	StoreShot(ctx context.Context, req portal.StoreShotRequest) (*uploader.Handle, error)
}
