package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// AccountSource yields the identity the local operator is acting as. The
// synchronizer re-reads it on every poll; when the identity changes, every
// downstream permission must be recomputed, so the synchronizer drops to
// not-ready and refetches.
type AccountSource interface {
	Account() (string, error)
}

// StaticAccount is an AccountSource that never changes.
type StaticAccount string

func (a StaticAccount) Account() (string, error) { return string(a), nil }

// FileAccount reads the identity from a file on every call, so an operator
// switch (editing the file, swapping a mount) is picked up by the poll.
type FileAccount string

func (a FileAccount) Account() (string, error) {
	b, err := os.ReadFile(string(a))
	if err != nil {
		return "", fmt.Errorf("read account file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// LoadOrCreateAccount returns the identity persisted under dir, generating
// and saving a fresh one on first run.
func LoadOrCreateAccount(dir string) (string, error) {
	path := filepath.Join(dir, "account")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist account: %w", err)
	}
	return id, nil
}
