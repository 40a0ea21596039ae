package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"shotline/internal/config"
)

const userAgent = "Shotline/0.1.0"

// Service defines the notification surface exposed to run components.
type Service interface {
	NotifyRunStarted(ctx context.Context, projectName string, shots int) error
	NotifyRunCompleted(ctx context.Context, projectName string, shots int, duration time.Duration) error
	NotifyRunFailed(ctx context.Context, projectName string, cause error) error
	NotifyShotUploaded(ctx context.Context, shotName, projectName string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyRunStarted(ctx context.Context, projectName string, shots int) error {
	projectName = strings.TrimSpace(projectName)
	data := payload{
		title:   "Shotline - Run Started",
		message: fmt.Sprintf("Processing %d shot(s) for %s", shots, projectName),
		tags:    []string{"shotline", "run", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, projectName string, shots int, duration time.Duration) error {
	projectName = strings.TrimSpace(projectName)
	data := payload{
		title:   "Shotline - Run Complete",
		message: fmt.Sprintf("Uploaded %d shot(s) to %s in %s", shots, projectName, duration.Round(time.Second)),
		tags:    []string{"shotline", "run", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, projectName string, cause error) error {
	projectName = strings.TrimSpace(projectName)
	message := fmt.Sprintf("Run failed for %s", projectName)
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	data := payload{
		title:    "Shotline - Run Failed",
		message:  message,
		tags:     []string{"shotline", "run", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyShotUploaded(ctx context.Context, shotName, projectName string) error {
	data := payload{
		title:   "Shotline - Shot Uploaded",
		message: fmt.Sprintf("%s uploaded to %s", strings.TrimSpace(shotName), strings.TrimSpace(projectName)),
		tags:    []string{"shotline", "shot", "uploaded"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:   "Shotline - Test",
		message: "Notification delivery is working",
		tags:    []string{"shotline", "test"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyRunStarted(context.Context, string, int) error                  { return nil }
func (noopService) NotifyRunCompleted(context.Context, string, int, time.Duration) error { return nil }
func (noopService) NotifyRunFailed(context.Context, string, error) error                 { return nil }
func (noopService) NotifyShotUploaded(context.Context, string, string) error             { return nil }
func (noopService) TestNotification(context.Context) error                               { return nil }
