package client

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/edclient/edclient/pkg/models"
)

// SessionFile holds a saved session so later commands can skip Login.
type SessionFile struct {
	Token   string          `json:"token"`
	Server  string          `json:"server"`
	SavedAt time.Time       `json:"saved_at"`
	Account *models.Account `json:"account"`
}

// Session returns the current session, or nil before Login.
func (c *Client) Session() *SessionFile {
	token, acc, err := c.session()
	if err != nil {
		return nil
	}
	return &SessionFile{Token: token, Server: c.baseURL, SavedAt: time.Now(), Account: acc}
}

// IsStale reports whether the session is older than maxAge.
func (s *SessionFile) IsStale(maxAge time.Duration) bool {
	return time.Since(s.SavedAt) > maxAge
}

// SessionFilePath returns the default path for the session file.
func SessionFilePath() string {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, _ := os.UserHomeDir()
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "edclient", "session.json")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "edclient", "session.json")
}

// SaveSession writes a session file readable only by the user.
func SaveSession(path string, s *SessionFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSession reads a session file.
func LoadSession(path string) (*SessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s SessionFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes a session file.
func DeleteSession(path string) error {
	return os.Remove(path)
}
