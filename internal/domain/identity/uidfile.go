package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	stateDirName    = ".mcpower"
	appUIDFileName  = "app_uid"
	userUIDFileName = "uid"

	uidCreateRetries = 3
)

// EnsureAppUID returns the app UID for a workspace, creating the
// `<workspace>/.mcpower/app_uid` file on first use. An empty workspaceRoot
// falls back to the home-directory state dir. Valid file content is never
// rewritten; invalid content is replaced with a warning.
func EnsureAppUID(workspaceRoot string, logger *slog.Logger) (string, error) {
	dir, err := stateDir(workspaceRoot)
	if err != nil {
		return "", err
	}
	return ensureUIDFile(filepath.Join(dir, appUIDFileName), logger)
}

// EnsureUserUID returns the machine-wide user UID at `~/.mcpower/uid`.
func EnsureUserUID(logger *slog.Logger) (string, error) {
	dir, err := stateDir("")
	if err != nil {
		return "", err
	}
	return ensureUIDFile(filepath.Join(dir, userUIDFileName), logger)
}

func stateDir(workspaceRoot string) (string, error) {
	if workspaceRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		workspaceRoot = home
	}
	return filepath.Join(workspaceRoot, stateDirName), nil
}

// ensureUIDFile reads, validates and if necessary creates the UID file.
// Creation is exclusive so two concurrent processes agree on one UID; the
// loser of the race re-reads the winner's value.
func ensureUIDFile(path string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < uidCreateRetries; attempt++ {
		content, err := os.ReadFile(path)
		if err == nil {
			value := strings.TrimSpace(string(content))
			if _, parseErr := uuid.Parse(value); parseErr == nil {
				return value, nil
			}
			logger.Warn("uid file holds an invalid UUID, regenerating",
				"path", path, "content_length", len(content))
			fresh := uuid.NewString()
			if writeErr := os.WriteFile(path, []byte(fresh), 0o600); writeErr != nil {
				lastErr = writeErr
				continue
			}
			return fresh, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read uid file %s: %w", path, err)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return "", fmt.Errorf("create state dir: %w", err)
		}
		fresh := uuid.NewString()
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				// Another process won the race; re-read its value.
				lastErr = err
				continue
			}
			return "", fmt.Errorf("create uid file %s: %w", path, err)
		}
		_, writeErr := f.WriteString(fresh)
		closeErr := f.Close()
		if writeErr != nil {
			lastErr = writeErr
			continue
		}
		if closeErr != nil {
			lastErr = closeErr
			continue
		}
		return fresh, nil
	}
	return "", fmt.Errorf("ensure uid file %s: %w", path, lastErr)
}
