package session

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nuqql/matrixd/pkg/logger"
)

// TokenStore persists per-account sync resumption tokens so a restarted
// daemon resumes the event stream where it stopped instead of replaying
// history. Tokens live in <dir>/<accountID>/synctoken.
type TokenStore struct {
	dir string
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{dir: dir}
}

func (ts *TokenStore) path(accountID int) string {
	return filepath.Join(ts.dir, strconv.Itoa(accountID), "synctoken")
}

// Load returns the stored token for the account, or "" if none exists yet.
// The token file is created on first load so later saves only need a
// write.
func (ts *TokenStore) Load(accountID int) string {
	path := ts.path(accountID)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("tokens", "could not read sync token",
				map[string]any{"account": accountID, "error": err})
			return ""
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err == nil {
			os.WriteFile(path, nil, 0o600)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Save stores the token for the account. Empty or unchanged tokens are not
// written. Persistence failures are logged, not returned: a lost token
// only costs a replay on the next start.
func (ts *TokenStore) Save(accountID int, token string) {
	if token == "" {
		return
	}
	path := ts.path(accountID)

	if current, err := os.ReadFile(path); err == nil &&
		strings.TrimSpace(string(current)) == token {
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		logger.WarnCF("tokens", "could not create token directory",
			map[string]any{"account": accountID, "error": err})
		return
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o600); err != nil {
		logger.WarnCF("tokens", "could not write sync token",
			map[string]any{"account": accountID, "error": err})
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.WarnCF("tokens", "could not replace sync token",
			map[string]any{"account": accountID, "error": err})
		os.Remove(tmp)
	}
}

// Delete removes the account's token file. Deleting an absent token is not
// an error.
func (ts *TokenStore) Delete(accountID int) {
	if err := os.Remove(ts.path(accountID)); err != nil && !os.IsNotExist(err) {
		logger.WarnCF("tokens", "could not delete sync token",
			map[string]any{"account": accountID, "error": err})
	}
}
