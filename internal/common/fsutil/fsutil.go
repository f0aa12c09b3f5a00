package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrTooLarge is returned by CopyToTemp when the source exceeds the limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// Ext returns the lower-case extension of name without the leading dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// CopyToTemp streams r into a new file under dir (os.TempDir when empty).
// The file keeps ext so content-type checks can run on it. When limit > 0 and
// more than limit bytes are available, the partial file is removed and
// ErrTooLarge is returned.
func CopyToTemp(dir, ext string, r io.Reader, limit int64) (string, int64, error) {
	pattern := "vlmd-*"
	if ext != "" {
		pattern += "." + strings.TrimPrefix(ext, ".")
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, fmt.Errorf("create temp: %w", err)
	}
	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && limit > 0 && n > limit {
		copyErr = ErrTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(f.Name())
		return "", n, copyErr
	}
	return f.Name(), n, nil
}

// RemoveAll removes each path, ignoring ones that no longer exist, and
// returns the first other error.
func RemoveAll(paths ...string) error {
	var first error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}
