package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CloseSentinel in a group's input directory asks the host to close the
// active worker's stdin.
const CloseSentinel = "_close"

// WriteFileAtomic writes data via a temp file in the same directory followed
// by rename, so watchers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// stampedName gives mailbox files a millisecond-timestamp prefix so
// lexicographic order is arrival order.
func stampedName(ext string) string {
	return fmt.Sprintf("%013d-%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], ext)
}

// WriteCommand drops a command file into dir. Used by the worker-side shim
// and by tests.
func WriteCommand(dir string, cmd Command) (string, error) {
	data, err := json.MarshalIndent(cmd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	path := filepath.Join(dir, stampedName(".json"))
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteInput delivers a follow-up prompt to a group's input directory, where
// the executor pipes it into the active worker.
func WriteInput(inputDir, text string) (string, error) {
	path := filepath.Join(inputDir, stampedName(".txt"))
	if err := WriteFileAtomic(path, []byte(text)); err != nil {
		return "", err
	}
	return path, nil
}

// WriteCloseSentinel asks the group's active worker to wind down.
func WriteCloseSentinel(inputDir string) error {
	return WriteFileAtomic(filepath.Join(inputDir, CloseSentinel), nil)
}

// ListMailboxFiles returns non-hidden regular files in dir sorted by name,
// which is arrival order for stamped files. A missing dir is empty, not an
// error.
func ListMailboxFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mailbox dir %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// MoveToErrors relocates a rejected command file into the shared errors
// directory, prefixed with the source group so operators can see who sent it.
func MoveToErrors(errorsDir, sourceGroup, path string) error {
	if err := os.MkdirAll(errorsDir, 0o755); err != nil {
		return fmt.Errorf("create errors dir: %w", err)
	}
	dst := filepath.Join(errorsDir, fmt.Sprintf("%s-%s", sourceGroup, filepath.Base(path)))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move to errors: %w", err)
	}
	return nil
}
