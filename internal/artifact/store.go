// Package artifact stores raw scanner exports on disk, one directory
// per task under a rooted data dir.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExt is the file extension of the scanner's native export.
const DefaultExt = "nessus"

// Store controls access to the rooted artifact tree. Artifacts are
// immutable once written.
type Store struct {
	root string
	ext  string
}

// NewStore creates the artifact root if needed.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root, ext: DefaultExt}, nil
}

// Root returns the canonical root path.
func (s *Store) Root() string {
	return s.root
}

// Path returns the artifact file path for a task without touching disk.
func (s *Store) Path(taskID string) (string, error) {
	if err := validTaskID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, taskID, "scan_native."+s.ext), nil
}

// Write persists the export bytes atomically: the data lands in a temp
// file in the task directory and is renamed into place, so readers
// never observe a partial artifact.
func (s *Store) Write(taskID string, data []byte) (string, error) {
	path, err := s.Path(taskID)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".scan_native-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return path, nil
}

// Read returns the artifact bytes for a task.
func (s *Store) Read(taskID string) ([]byte, error) {
	path, err := s.Path(taskID)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Exists reports whether the task's artifact is on disk.
func (s *Store) Exists(taskID string) (bool, error) {
	path, err := s.Path(taskID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes the task's artifact directory. Deleting an
// already-deleted directory is not an error.
func (s *Store) Delete(taskID string) error {
	if err := validTaskID(taskID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, taskID))
}

// validTaskID rejects ids that would escape the root.
func validTaskID(taskID string) error {
	if taskID == "" {
		return errors.New("task id is empty")
	}
	cleaned := filepath.Clean(taskID)
	if cleaned != taskID || strings.ContainsAny(taskID, `/\`) || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("task id %q escapes artifact root", taskID)
	}
	return nil
}
