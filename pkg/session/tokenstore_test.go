package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := NewTokenStore(t.TempDir())

	if got := tokens.Load(7); got != "" {
		t.Errorf("fresh store should have no token, got %q", got)
	}

	tokens.Save(7, "s123_456")
	if got := tokens.Load(7); got != "s123_456" {
		t.Errorf("expected saved token, got %q", got)
	}

	tokens.Save(7, "s123_789")
	if got := tokens.Load(7); got != "s123_789" {
		t.Errorf("expected updated token, got %q", got)
	}
}

func TestSaveSkipsEmptyAndUnchangedTokens(t *testing.T) {
	dir := t.TempDir()
	tokens := NewTokenStore(dir)

	tokens.Save(0, "s1")
	path := filepath.Join(dir, "0", "synctoken")
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	tokens.Save(0, "s1")
	tokens.Save(0, "")

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("unchanged token should not rewrite the file")
	}
	if got := tokens.Load(0); got != "s1" {
		t.Errorf("token lost: got %q", got)
	}
}

func TestTokensAreScopedPerAccount(t *testing.T) {
	tokens := NewTokenStore(t.TempDir())

	tokens.Save(0, "first")
	tokens.Save(1, "second")

	if got := tokens.Load(0); got != "first" {
		t.Errorf("account 0: expected first, got %q", got)
	}
	if got := tokens.Load(1); got != "second" {
		t.Errorf("account 1: expected second, got %q", got)
	}
}

func TestDeleteRemovesToken(t *testing.T) {
	tokens := NewTokenStore(t.TempDir())

	tokens.Save(2, "s1")
	tokens.Delete(2)
	if got := tokens.Load(2); got != "" {
		t.Errorf("expected empty token after delete, got %q", got)
	}

	// Deleting again must not panic or log a failure into the test.
	tokens.Delete(2)
}

func TestTokenFileIsPrivate(t *testing.T) {
	dir := t.TempDir()
	tokens := NewTokenStore(dir)
	tokens.Save(3, "secret-token")

	info, err := os.Stat(filepath.Join(dir, "3", "synctoken"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file should be 0600, got %o", perm)
	}
}
