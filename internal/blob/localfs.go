package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// LocalFS resolves slash-separated keys below Root. Keys may start with "/";
// they never escape Root.
type LocalFS struct {
	Root string
}

func (l LocalFS) Abs(relPath string) string {
	clean := filepath.Clean("/" + filepath.FromSlash(relPath))
	return filepath.Join(l.Root, clean)
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	return os.Open(l.Abs(relPath))
}

func (l LocalFS) Exists(relPath string) bool {
	_, err := os.Stat(l.Abs(relPath))
	return err == nil
}

func (l LocalFS) Stat(relPath string) (os.FileInfo, error) {
	return os.Stat(l.Abs(relPath))
}

func (l LocalFS) ReadFile(relPath string) ([]byte, error) {
	return os.ReadFile(l.Abs(relPath))
}

// Mkdir creates exactly one directory level. An existing directory is an
// error, which makes it usable as an exclusive claim.
func (l LocalFS) Mkdir(relPath string, perm os.FileMode) error {
	return os.Mkdir(l.Abs(relPath), perm)
}

func (l LocalFS) MkdirAll(relPath string, perm os.FileMode) error {
	return os.MkdirAll(l.Abs(relPath), perm)
}

// Remove deletes a file or an empty directory; a missing path is not an error.
func (l LocalFS) Remove(relPath string) error {
	if err := os.Remove(l.Abs(relPath)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// WriteAtomic replaces relPath via a temp file in the same directory, so
// readers see either the old or the new content.
func (l LocalFS) WriteAtomic(relPath string, data []byte) error {
	abs := l.Abs(relPath)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", abs, err)
	}

	tmp, err := os.CreateTemp(dir, ".pipeline-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", abs, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file for %s: %w", abs, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file for %s: %w", abs, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file for %s: %w", abs, err)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("atomic rename for %s: %w", abs, err)
	}
	return nil
}

// WriteLocked writes data to relPath while holding an exclusive flock on it,
// so a concurrent locked writer cannot interleave content. The parent
// directory must exist. It returns the absolute path written.
func (l LocalFS) WriteLocked(relPath string, data []byte) (string, error) {
	abs := l.Abs(relPath)
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("lock %s: %w", abs, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	if err := f.Truncate(0); err != nil {
		return "", fmt.Errorf("truncate %s: %w", abs, err)
	}
	n, err := f.Write(data)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", abs, err)
	}
	if n != len(data) {
		return "", fmt.Errorf("write %s: %w", abs, io.ErrShortWrite)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", abs, err)
	}
	return abs, nil
}

// Rel converts an absolute path below Root back into a slash key.
func (l LocalFS) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(l.Root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return "/" + filepath.ToSlash(rel), true
}
