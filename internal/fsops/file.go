package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"

	"crosspoint-transfer/internal/spibus"
)

// File is an open storage file. Each Read, Write and Close takes the bus for
// the duration of that one call.
type File struct {
	f    *os.File
	bus  *spibus.Bus
	path string
	size int64
}

// Path is the device path the file was opened with.
func (f *File) Path() string { return f.path }

// Size is the file size at open time (0 for files opened by Create).
func (f *File) Size() int64 { return f.size }

func (f *File) Read(p []byte) (int, error) {
	g := f.bus.Acquire()
	defer g.Release()
	return f.f.Read(p)
}

// Write writes all of p or fails with ErrShortWrite.
func (f *File) Write(p []byte) (int, error) {
	g := f.bus.Acquire()
	defer g.Release()
	n, err := f.f.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", f.path, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("write %s: %w", f.path, ErrShortWrite)
	}
	return n, nil
}

// Close flushes and closes the handle. Calling it twice is harmless.
func (f *File) Close() error {
	g := f.bus.Acquire()
	defer g.Release()
	if f.f == nil {
		return nil
	}
	err := f.f.Sync()
	if cerr := f.f.Close(); err == nil {
		err = cerr
	}
	f.f = nil
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	return nil
}

var _ io.ReadWriteCloser = (*File)(nil)
