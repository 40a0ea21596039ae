// Package render defines the black-box render engine contract the export
// tasks drive, plus an ffmpeg-based implementation.
package render

import "context"

// ProgressUpdate captures engine progress events. Fraction is in [0, 1];
// engines may briefly overshoot 1 near completion and callers clamp.
type ProgressUpdate struct {
	Fraction float64
	Message  string
}

// Job describes one transcode.
type Job struct {
	// InputPath is the source media.
	InputPath string
	// OutputPath is where the engine writes its result. For frame-sequence
	// outputs this is a pattern inside the output directory.
	OutputPath string
	// Preset selects engine-specific quality settings.
	Preset string
}

// Engine runs a transcode to completion, reporting progress as it goes.
// Cancellation flows through ctx; a canceled render returns ctx's error.
type Engine interface {
	Render(ctx context.Context, job Job, progress func(ProgressUpdate)) error
}
