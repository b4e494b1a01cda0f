package index

import (
	"path/filepath"

	"github.com/google/uuid"
)

// FilenameProvider hands out a fresh path for every new ptable
type FilenameProvider interface {
	NewTablePath() string
}

// GUIDFilenameProvider names ptables with a random UUID inside Dir
type GUIDFilenameProvider struct {
	Dir string
}

// NewGUIDFilenameProvider returns a provider rooted at dir
func NewGUIDFilenameProvider(dir string) *GUIDFilenameProvider {
	return &GUIDFilenameProvider{Dir: dir}
}

// NewTablePath returns <dir>/<uuid>
func (p *GUIDFilenameProvider) NewTablePath() string {
	return filepath.Join(p.Dir, uuid.NewString())
}

// FilenameProviderFunc adapts a function to FilenameProvider
type FilenameProviderFunc func() string

// NewTablePath calls f
func (f FilenameProviderFunc) NewTablePath() string {
	return f()
}
