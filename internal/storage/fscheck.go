package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Filesystem names that do not honor the POSIX locks SQLite relies on.
// Cooldown records and job dedupe keys are only race-free on local disk.
var lockUnsafeFilesystems = []string{"afpfs", "cifs", "nfs", "nfs4", "smb2", "smbfs", "webdav"}

// NetworkFilesystemError reports a database path on a network mount.
type NetworkFilesystemError struct {
	Path       string
	Filesystem string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("database %q is on %s, a network filesystem; move state.path to a local disk so SQLite locking holds",
		e.Path, e.Filesystem)
}

type fsDetector func(path string) (string, error)

func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, detectFilesystemType)
}

// checkLocalFilesystemWith inspects the closest existing ancestor of path,
// since the database file and its directory may not exist yet.
func checkLocalFilesystemWith(path string, detect fsDetector) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}
	existing, err := closestExisting(abs)
	if err != nil {
		return err
	}

	name, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if lockUnsafe(name) {
		return &NetworkFilesystemError{Path: path, Filesystem: name}
	}
	return nil
}

func closestExisting(abs string) (string, error) {
	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %q", abs)
		}
		dir = parent
	}
}

func lockUnsafe(name string) bool {
	return slices.Contains(lockUnsafeFilesystems, strings.ToLower(strings.TrimSpace(name)))
}
