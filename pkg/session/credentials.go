package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Credentials are the device credentials saved after a successful login.
// Later connects restore them instead of logging in again, so the daemon
// keeps appearing as the same Matrix device.
type Credentials struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	AccessToken string `json:"access_token"`
}

func credentialsPath(dir string, accountID int) string {
	return filepath.Join(dir, strconv.Itoa(accountID), "credentials.json")
}

// loadCredentials returns nil without error when no credentials are saved.
func loadCredentials(dir string, accountID int) (*Credentials, error) {
	data, err := os.ReadFile(credentialsPath(dir, accountID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("error parsing credentials: %w", err)
	}
	if creds.AccessToken == "" || creds.UserID == "" {
		return nil, nil
	}
	return &creds, nil
}

// saveCredentials writes the credentials file. It contains the access
// token, so it is not world readable.
func saveCredentials(dir string, accountID int, creds Credentials) error {
	path := credentialsPath(dir, accountID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// deleteCredentials removes the credentials file. Absence is not an error.
func deleteCredentials(dir string, accountID int) {
	os.Remove(credentialsPath(dir, accountID))
}
