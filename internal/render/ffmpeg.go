package render

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var commandContext = exec.CommandContext

// FFmpeg drives the ffmpeg binary with -progress output on stdout.
type FFmpeg struct {
	binary   string
	duration durationProbe
}

type durationProbe func(ctx context.Context, binary, inputPath string) (time.Duration, error)

// Option configures the ffmpeg engine.
type Option func(*FFmpeg)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(f *FFmpeg) {
		if binary != "" {
			f.binary = binary
		}
	}
}

// NewFFmpeg constructs the engine using defaults.
func NewFFmpeg(opts ...Option) *FFmpeg {
	engine := &FFmpeg{binary: "ffmpeg", duration: probeDuration}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Render launches ffmpeg and converts its -progress key=value stream into
// fraction updates against the probed input duration.
func (f *FFmpeg) Render(ctx context.Context, job Job, progress func(ProgressUpdate)) error {
	if job.InputPath == "" {
		return errors.New("input path required")
	}
	if job.OutputPath == "" {
		return errors.New("output path required")
	}

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	total, err := f.duration(ctx, f.binary, job.InputPath)
	if err != nil {
		total = 0
	}

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", job.InputPath}
	if job.Preset != "" {
		args = append(args, "-preset", job.Preset)
	}
	args = append(args, "-progress", "pipe:1", job.OutputPath)

	cmd := commandContext(ctx, f.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found {
			continue
		}
		switch key {
		case "out_time_us":
			if progress == nil || total <= 0 {
				continue
			}
			micros, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			fraction := float64(micros) / float64(total.Microseconds())
			progress(ProgressUpdate{Fraction: fraction})
		case "progress":
			if progress != nil && value == "end" {
				progress(ProgressUpdate{Fraction: 1, Message: "render complete"})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ffmpeg output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg render failed: %w", err)
	}
	return nil
}

// probeDuration asks ffmpeg for the input duration by parsing the banner of
// a no-op run. A zero duration disables fractional progress.
func probeDuration(ctx context.Context, binary, inputPath string) (time.Duration, error) {
	cmd := commandContext(ctx, binary, "-hide_banner", "-i", inputPath, "-f", "null", "-") //nolint:gosec
	output, _ := cmd.CombinedOutput()
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Duration:") {
			continue
		}
		stamp := strings.TrimSpace(strings.TrimPrefix(line, "Duration:"))
		if idx := strings.IndexByte(stamp, ','); idx >= 0 {
			stamp = stamp[:idx]
		}
		return parseTimestamp(stamp)
	}
	return 0, fmt.Errorf("no duration in ffmpeg output for %s", inputPath)
}

func parseTimestamp(stamp string) (time.Duration, error) {
	parts := strings.Split(stamp, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed timestamp %q", stamp)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	total := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute
	total += time.Duration(seconds * float64(time.Second))
	return total, nil
}

var _ Engine = (*FFmpeg)(nil)
