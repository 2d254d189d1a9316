// Package fsutil holds small filesystem helpers shared by the outbox,
// audit recorder, and CLI.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnsureDir creates the directory (and parents) if missing.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// AtomicWrite writes content to path via a temp file plus rename, so a
// crash never leaves a half-written artifact.
func AtomicWrite(path string, content []byte) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// UniquePath returns dir/filename, or a numbered variant (name.1.ext,
// name.2.ext, ...) if the plain name is already taken.
func UniquePath(dir, filename string) (string, error) {
	if err := EnsureDir(dir); err != nil {
		return "", err
	}
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for i := 1; ; i++ {
		numbered := filepath.Join(dir, fmt.Sprintf("%s.%d%s", stem, i, ext))
		if _, err := os.Stat(numbered); os.IsNotExist(err) {
			return numbered, nil
		}
	}
}
