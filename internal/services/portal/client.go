// Package portal is the HTTP client for the remote review portal: login,
// project listing, project creation, and the shot store upload.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"shotline/internal/logging"
	"shotline/internal/services"
	"shotline/internal/settings"
	"shotline/internal/uploader"
)

// Options configures the portal client.
type Options struct {
	// BaseURL is the portal API root, without a trailing slash.
	BaseURL string
	// RequestTimeout bounds login, listing, and project creation calls.
	RequestTimeout time.Duration
	// UploadTimeout bounds shot store uploads.
	UploadTimeout time.Duration
}

// Client talks to the review portal.
type Client struct {
	baseURL    string
	httpClient *http.Client
	uploads    *uploader.Client
	logger     *slog.Logger
}

// NewClient creates a portal client. A nil logger disables logging.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		uploads:    uploader.NewClient(uploader.Options{Timeout: opts.UploadTimeout}, logger),
		logger:     logging.NewComponentLogger(logger, "portal"),
	}
}

// LoginResult is the portal's answer to a successful credential check.
type LoginResult struct {
	Token            string
	OrganizationName string
	Profile          map[string]any
}

type loginReply struct {
	Class        string `json:"class"`
	Token        string `json:"token"`
	Organization struct {
		Name string `json:"name"`
	} `json:"organization"`
	Data map[string]any `json:"data"`
}

// Login exchanges email and password for an api key and organization info.
// A reply whose class is not "success" means the credentials were rejected.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)

	var reply loginReply
	if err := c.postForm(ctx, "login", form, &reply); err != nil {
		return nil, err
	}
	if reply.Class != "success" {
		return nil, services.Wrap(services.ErrAuth, "portal", "login", "username or password is incorrect", nil)
	}
	c.logger.Info("logged in", logging.String("organization", reply.Organization.Name))
	return &LoginResult{
		Token:            reply.Token,
		OrganizationName: reply.Organization.Name,
		Profile:          reply.Data,
	}, nil
}

// Project is one entry from the portal's project listing.
type Project struct {
	ID   string `json:"project_id"`
	Name string `json:"project_name"`
}

type projectsReply struct {
	Projects []Project `json:"projects"`
}

// ListProjects returns the projects visible to the credential. An empty list
// is not an error.
func (c *Client) ListProjects(ctx context.Context, apiKey string) ([]Project, error) {
	if apiKey == "" || apiKey == settings.MissingCredential {
		return nil, services.Wrap(services.ErrAuth, "portal", "projects", "not logged in", nil)
	}
	form := url.Values{}
	form.Set("api_key", apiKey)

	var reply projectsReply
	if err := c.postForm(ctx, "projects", form, &reply); err != nil {
		return nil, err
	}
	return reply.Projects, nil
}

// ProjectSpec describes the project to create for a run.
type ProjectSpec struct {
	Name       string
	FrameRate  string
	Width      string
	Height     string
	ColorSpace string
}

type createProjectReply struct {
	Success   bool            `json:"success"`
	ProjectID json.RawMessage `json:"project_id"`
}

// CreateProject registers a new project and returns its id. The call is
// synchronous and bounded by the client's request timeout; any failure mode
// (transport, rejected request, missing id) is an error.
func (c *Client) CreateProject(ctx context.Context, apiKey string, spec ProjectSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", services.Wrap(services.ErrValidation, "portal", "create project", "project name must not be empty", nil)
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	fields := [][2]string{
		{"api_key", apiKey},
		{"name", spec.Name},
		{"frame_rate", spec.FrameRate},
		{"width", spec.Width},
		{"height", spec.Height},
		{"color_space", spec.ColorSpace},
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return "", services.Wrap(services.ErrTransport, "portal", "create project", "encode request", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", services.Wrap(services.ErrTransport, "portal", "create project", "encode request", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("store_project"), body)
	if err != nil {
		return "", services.Wrap(services.ErrTransport, "portal", "create project", "build request", err)
	}
	request.Header.Set("Content-Type", form.FormDataContentType())

	var reply createProjectReply
	if err := c.do(request, "create project", &reply); err != nil {
		return "", err
	}
	if !reply.Success {
		return "", services.Wrap(services.ErrTransport, "portal", "create project", fmt.Sprintf("portal refused to create project %q", spec.Name), nil)
	}
	id := decodeProjectID(reply.ProjectID)
	if id == "" {
		return "", services.Wrap(services.ErrTransport, "portal", "create project", "portal reply carried no project id", nil)
	}
	c.logger.Info("project created", logging.String("project", spec.Name), logging.String("project_id", id))
	return id, nil
}

// StoreShotRequest carries everything the shot store endpoint needs.
type StoreShotRequest struct {
	APIKey      string
	ProjectID   string
	ShotName    string
	ArchivePath string
	PreviewPath string
}

// StoreShot starts a streaming upload of the shot archive and preview and
// returns the progress handle. Field order matches what the portal expects.
// A shot without a preview omits the preview part entirely.
func (c *Client) StoreShot(ctx context.Context, req StoreShotRequest) (*uploader.Handle, error) {
	fields := []uploader.Field{
		uploader.StringField("api_key", req.APIKey),
		uploader.StringField("project_id", req.ProjectID),
		uploader.StringField("shot_name", req.ShotName),
		uploader.FileField("shot_file", req.ArchivePath),
	}
	if req.PreviewPath != "" {
		fields = append(fields, uploader.FileField("preview_file", req.PreviewPath))
	}
	c.logger.Info("storing shot", logging.String("shot", req.ShotName), logging.String("project_id", req.ProjectID))
	return c.uploads.Start(ctx, c.endpoint("store"), fields)
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + path
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, reply any) error {
	ctx = withRequestID(ctx)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), strings.NewReader(form.Encode()))
	if err != nil {
		return services.Wrap(services.ErrTransport, "portal", path, "build request", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(request, path, reply)
}

// withRequestID tags the request context with a correlation id unless the
// caller already set one, so portal calls can be matched to log lines.
func withRequestID(ctx context.Context) context.Context {
	if _, ok := services.RequestIDFromContext(ctx); ok {
		return ctx
	}
	return services.WithRequestID(ctx, uuid.NewString())
}

func (c *Client) do(request *http.Request, operation string, reply any) error {
	logger := logging.WithContext(request.Context(), c.logger)
	logger.Debug("portal request", logging.String("operation", operation))
	response, err := c.httpClient.Do(request)
	if err != nil {
		return services.Wrap(services.ErrTransport, "portal", operation, "portal unreachable", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return services.Wrap(services.ErrTransport, "portal", operation, "read reply", err)
	}
	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "portal", operation, fmt.Sprintf("portal rejected credential (%s)", response.Status), nil)
	case response.StatusCode >= 400:
		return services.Wrap(services.ErrTransport, "portal", operation, fmt.Sprintf("portal returned %s", response.Status), nil)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(payload, reply); err != nil {
		return services.Wrap(services.ErrTransport, "portal", operation, "decode reply", err)
	}
	return nil
}

// decodeProjectID accepts both string and numeric id encodings.
func decodeProjectID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String()
	}
	return ""
}
