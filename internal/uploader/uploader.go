// Package uploader streams multipart POST bodies to the review portal while
// exposing live byte-level progress and cooperative cancellation. File parts
// are piped from disk straight into the request body; nothing is buffered in
// memory beyond the transport's own chunks.
package uploader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"shotline/internal/logging"
	"shotline/internal/services"
)

// Field is one ordered part of the multipart body; build it with FileField
// or StringField. A file field is streamed from disk, a string field is sent
// as a plain form value.
type Field struct {
	Name     string
	Value    string
	Path     string
	Filename string

	file bool
}

// FileField builds a file part whose entry filename defaults to the basename.
func FileField(name, path string) Field {
	return Field{Name: name, Path: path, Filename: filepath.Base(path), file: true}
}

// StringField builds a plain form part.
func StringField(name, value string) Field {
	return Field{Name: name, Value: value}
}

// Options configures the upload client.
type Options struct {
	// Timeout bounds a whole upload. Default: 1h.
	Timeout time.Duration
}

// Client performs streaming multipart uploads.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an upload client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logging.NewComponentLogger(logger, "uploader"),
	}
}

// Handle tracks a single in-flight upload.
type Handle struct {
	total  int64
	sent   atomic.Int64
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Progress returns the bytes sent so far and the total file payload size.
// Sent never decreases.
func (h *Handle) Progress() (sent, total int64) {
	return h.sent.Load(), h.total
}

// Fraction returns sent/total clamped to [0, 1]. A finished successful upload
// reports 1 even when the payload was empty.
func (h *Handle) Fraction() float64 {
	if h.total <= 0 {
		select {
		case <-h.done:
			if h.Err() == nil {
				return 1
			}
			return 0
		default:
			return 0
		}
	}
	fraction := float64(h.sent.Load()) / float64(h.total)
	if fraction > 1 {
		fraction = 1
	}
	return fraction
}

// Cancel aborts the upload. It is idempotent and a no-op once the upload has
// completed.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		select {
		case <-h.done:
		default:
			h.cancel()
		}
	})
}

// Done is closed when the upload finishes, successfully or not.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports the upload outcome. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// countingReader forwards reads while accumulating sent bytes on the handle.
type countingReader struct {
	source io.Reader
	handle *Handle
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	if n > 0 {
		r.handle.sent.Add(int64(n))
	}
	return n, err
}

// Start begins streaming the ordered fields to endpoint and returns
// immediately with a progress handle. Completion is delivered through the
// handle's Done channel.
func (c *Client) Start(ctx context.Context, endpoint string, fields []Field) (*Handle, error) {
	var total int64
	for _, field := range fields {
		if !field.file {
			continue
		}
		if field.Path == "" {
			return nil, services.Wrap(services.ErrValidation, "upload", "start", fmt.Sprintf("file field %q has no path", field.Name), nil)
		}
		info, err := os.Stat(field.Path)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "upload", "start", fmt.Sprintf("stat %s", field.Path), err)
		}
		total += info.Size()
	}

	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		total:  total,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	bodyReader, bodyWriter := io.Pipe()
	form := multipart.NewWriter(bodyWriter)

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bodyReader)
	if err != nil {
		cancel()
		return nil, services.Wrap(services.ErrTransport, "upload", "start", "build request", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())

	go func() {
		bodyWriter.CloseWithError(writeBody(form, fields, handle))
	}()

	go func() {
		defer cancel()
		c.logger.Debug("upload started", logging.String("endpoint", endpoint), logging.Int64("total_bytes", total))
		handle.finish(c.perform(ctx, request))
	}()

	return handle, nil
}

func writeBody(form *multipart.Writer, fields []Field, handle *Handle) error {
	for _, field := range fields {
		if !field.file {
			if err := form.WriteField(field.Name, field.Value); err != nil {
				return err
			}
			continue
		}
		source, err := os.Open(field.Path)
		if err != nil {
			return err
		}
		part, err := form.CreateFormFile(field.Name, field.Filename)
		if err != nil {
			source.Close()
			return err
		}
		_, err = io.Copy(part, &countingReader{source: source, handle: handle})
		source.Close()
		if err != nil {
			return err
		}
	}
	return form.Close()
}

func (c *Client) perform(ctx context.Context, request *http.Request) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTransport, "upload", "send", "upload canceled", ctx.Err())
		}
		return services.Wrap(services.ErrTransport, "upload", "send", "send multipart body", err)
	}
	defer response.Body.Close()
	io.Copy(io.Discard, io.LimitReader(response.Body, 1<<20))

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "upload", "send", fmt.Sprintf("portal rejected credential (%s)", response.Status), nil)
	case response.StatusCode >= 400:
		return services.Wrap(services.ErrTransport, "upload", "send", fmt.Sprintf("portal returned %s", response.Status), nil)
	}
	c.logger.Debug("upload finished", logging.String("status", response.Status))
	return nil
}
