// Package runflag provides the running flag shared between a parent and its
// worker child: a single boolean on a MAP_SHARED page, read and written with
// atomic 32-bit operations so neither side ever observes a torn value.
//
// The flag has no owner. Each side maps the page independently and unmaps it
// on Close; the kernel frees the page once both mappings are gone.
package runflag

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrUnsupported is returned on platforms without shared mappings.
var ErrUnsupported = errors.New("runflag: unsupported platform")

// Flag is a cross-process boolean.
type Flag struct {
	mu    sync.RWMutex
	mem   []byte
	file  *os.File
	unmap func([]byte) error
}

// NewLocal returns a flag that lives only in this process. Child-role mirrors
// built in-process use it.
func NewLocal() *Flag {
	return &Flag{mem: make([]byte, 8)}
}

func (f *Flag) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&f.mem[0]))
}

// Set stores v. It is a no-op after Close.
func (f *Flag) Set(v bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.mem == nil {
		return
	}
	var u uint32
	if v {
		u = 1
	}
	atomic.StoreUint32(f.word(), u)
}

// Get loads the current value. A closed flag reads false.
func (f *Flag) Get() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.mem == nil {
		return false
	}
	return atomic.LoadUint32(f.word()) == 1
}

// File returns the descriptor backing a shared flag, for exec.Cmd.ExtraFiles.
// It is nil for local flags.
func (f *Flag) File() *os.File {
	return f.file
}

// Close unmaps the page and closes the backing file.
func (f *Flag) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem == nil {
		return nil
	}

	var errs []error
	if f.unmap != nil {
		errs = append(errs, f.unmap(f.mem))
	}
	if f.file != nil {
		errs = append(errs, f.file.Close())
	}
	f.mem = nil
	f.file = nil
	return errors.Join(errs...)
}
