package index

import (
	"errors"
	"os"
	"time"

	"github.com/dd0wney/cluso-eventindex/pkg/logging"
)

// acquire takes a reader reference. Retired tables refuse new readers.
func (t *PTable) acquire() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.deleted || t.disposed {
		return NewError("acquire_ptable").Path(t.path).Cause(ErrFileBeingDeleted).Err()
	}
	t.refs++
	return nil
}

func (t *PTable) release() {
	t.mu.Lock()
	t.refs--
	done := t.refs == 0 && (t.deleted || t.disposed)
	t.mu.Unlock()

	if done {
		t.releaseResources()
	}
}

// MarkForDestruction retires the table. The file is deleted once the last
// reader releases it.
func (t *PTable) MarkForDestruction() {
	t.mu.Lock()
	if t.deleted {
		t.mu.Unlock()
		return
	}
	t.deleted = true
	done := t.refs == 0
	t.mu.Unlock()

	if done {
		t.releaseResources()
	}
}

// Dispose retires the table without deleting its file
func (t *PTable) Dispose() {
	t.mu.Lock()
	if t.deleted || t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	done := t.refs == 0
	t.mu.Unlock()

	if done {
		t.releaseResources()
	}
}

// IsRetired reports whether MarkForDestruction or Dispose was called
func (t *PTable) IsRetired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleted || t.disposed
}

func (t *PTable) releaseResources() {
	t.mu.Lock()
	unmap := !t.released
	t.released = true
	deleteFile := t.deleted && !t.removed
	if deleteFile {
		t.removed = true
	}
	t.mu.Unlock()

	if unmap {
		if err := t.reader.Close(); err != nil {
			t.logger.Warn("Failed to unmap ptable", logging.Path(t.path), logging.Error(err))
		}
	}
	if deleteFile {
		if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.logger.Error("Failed to delete ptable", logging.Path(t.path), logging.Error(err))
		} else {
			t.logger.Debug("Deleted ptable", logging.Path(t.path))
		}
	}
	if unmap {
		close(t.destroyed)
	}
}

// WaitForDisposal blocks until the table's resources are released
func (t *PTable) WaitForDisposal(timeout time.Duration) error {
	select {
	case <-t.destroyed:
		return nil
	case <-time.After(timeout):
		return NewError("wait_for_disposal").Path(t.path).Contextf("after %v", timeout).Cause(ErrTimeout).Err()
	}
}
