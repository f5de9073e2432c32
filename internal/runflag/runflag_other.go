//go:build !unix

package runflag

import "os"

// New is unavailable without shared mappings.
func New() (*Flag, error) {
	return nil, ErrUnsupported
}

// Open is unavailable without shared mappings.
func Open(f *os.File) (*Flag, error) {
	return nil, ErrUnsupported
}
