// Package settings persists the login session established against the review
// portal. The session lives in a small JSON document under the configured
// session directory; a missing or unreadable document simply means logged out.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"shotline/internal/services"
)

// Session is the persisted login state. Field names match the portal's
// historical document layout so existing session files keep working.
type Session struct {
	OrganizationName      string         `json:"organization_name"`
	ProjectsDirectory     string         `json:"projects_directory"`
	OrganizationDirectory string         `json:"organization_directory"`
	CommonDirectory       string         `json:"common_directory"`
	Username              string         `json:"username"`
	APIKey                string         `json:"api_key"`
	Profile               map[string]any `json:"data,omitempty"`
	UploadEnabled         bool           `json:"rendering_enabled"`
}

type document struct {
	Settings Session `json:"settings"`
}

// MissingCredential is the sentinel the portal treats as "no api key".
const MissingCredential = "none"

// LoggedIn reports whether the session carries a usable credential.
func (s *Session) LoggedIn() bool {
	return s != nil && s.APIKey != "" && s.APIKey != MissingCredential
}

// Credential returns the api key, or the missing-credential sentinel when the
// session is absent or empty.
func (s *Session) Credential() string {
	if !s.LoggedIn() {
		return MissingCredential
	}
	return s.APIKey
}

// Load reads the session document at path. A missing file returns a nil
// session with no error; a corrupt file is also treated as logged out, with
// the parse failure reported so callers can log it.
func Load(path string) (*Session, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrConfiguration, "settings", "load", fmt.Sprintf("read session document %s", path), err)
	}
	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "settings", "load", fmt.Sprintf("parse session document %s", path), err)
	}
	return &doc.Settings, nil
}

// Save writes the session document atomically, creating the parent directory
// when needed.
func Save(path string, session *Session) error {
	if session == nil {
		return services.Wrap(services.ErrValidation, "settings", "save", "session must not be nil", nil)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "settings", "save", "create session directory", err)
	}
	payload, err := json.MarshalIndent(document{Settings: *session}, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "settings", "save", "encode session document", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return services.Wrap(services.ErrConfiguration, "settings", "save", "write session document", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return services.Wrap(services.ErrConfiguration, "settings", "save", "replace session document", err)
	}
	return nil
}

// Delete removes the session document. Deleting an absent document is not an
// error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return services.Wrap(services.ErrConfiguration, "settings", "delete", "remove session document", err)
	}
	return nil
}

// DeriveJobDirectory appends the organization name to the chosen job
// directory unless the directory already ends with it. Trailing separators on
// the chosen directory are ignored.
func DeriveJobDirectory(chosen, organization string) string {
	cleaned := strings.TrimRight(chosen, `/\`)
	if organization == "" || filepath.Base(cleaned) == organization {
		return cleaned
	}
	return filepath.Join(cleaned, organization)
}
