package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NetworkFSError is returned by OpenSQLite when the history database would
// live on a network mount, where SQLite file locking is unreliable.
type NetworkFSError struct {
	Path   string
	FSType string
}

func (e *NetworkFSError) Error() string {
	return fmt.Sprintf("history database %s is on a %s mount; SQLite needs local disk, point state.path elsewhere", e.Path, e.FSType)
}

type fsDetector func(dir string) (string, error)

func isNetworkFilesystem(fsType string) bool {
	switch strings.ToLower(strings.TrimSpace(fsType)) {
	case "nfs", "nfs4", "cifs", "smbfs", "smb2", "afpfs", "webdav", "9p":
		return true
	}
	return false
}

// checkLocalFilesystem inspects the closest existing ancestor of path,
// since the database and its directory may not exist yet.
func checkLocalFilesystem(path string, detect fsDetector) error {
	if path == "" {
		return errors.New("state.path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	dir := abs
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing ancestor of %s", abs)
		}
		dir = parent
	}

	fsType, err := detect(dir)
	if err != nil {
		return fmt.Errorf("detect filesystem of %s: %w", dir, err)
	}
	if isNetworkFilesystem(fsType) {
		return &NetworkFSError{Path: abs, FSType: fsType}
	}
	return nil
}
