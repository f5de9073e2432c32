//go:build unix

package runflag

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// New creates a shared flag, initialised to false, backed by an unlinked
// temporary file. Hand File() to the child and call Open there.
func New() (*Flag, error) {
	f, err := os.CreateTemp("", "severance-flag-*")
	if err != nil {
		return nil, fmt.Errorf("create flag file: %w", err)
	}
	// Unlinked right away: the page lives only as long as open descriptors and mappings.
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("unlink flag file: %w", err)
	}
	if err := f.Truncate(int64(os.Getpagesize())); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncate flag file: %w", err)
	}

	flag, err := mapFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return flag, nil
}

// Open maps a flag inherited from the parent.
func Open(f *os.File) (*Flag, error) {
	return mapFile(f)
}

func mapFile(f *os.File) (*Flag, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, os.Getpagesize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Flag{mem: mem, file: f, unmap: unix.Munmap}, nil
}
