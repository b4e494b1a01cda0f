package index

import (
	"errors"
	"os"
	"path/filepath"
)

// MergeMarkerFilename is present while a flush or merge is swapping the
// index map. Finding it at startup means the index cannot be trusted.
const MergeMarkerFilename = "merging.m"

// EnterUnsafeState writes the merge marker into dir
func EnterUnsafeState(dir string) error {
	path := filepath.Join(dir, MergeMarkerFilename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return ioError("enter_unsafe_state", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ioError("enter_unsafe_state", path, err)
	}
	if err := f.Close(); err != nil {
		return ioError("enter_unsafe_state", path, err)
	}
	syncDir(dir)
	return nil
}

// LeaveUnsafeState removes the merge marker from dir
func LeaveUnsafeState(dir string) error {
	path := filepath.Join(dir, MergeMarkerFilename)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioError("leave_unsafe_state", path, err)
	}
	syncDir(dir)
	return nil
}

// IsCorrupt reports whether dir still holds a merge marker
func IsCorrupt(dir string) bool {
	return FileExists(filepath.Join(dir, MergeMarkerFilename))
}
