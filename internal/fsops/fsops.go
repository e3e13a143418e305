// Package fsops is the SD card as seen by the transfer channels: a storage
// root on the host filesystem where every individual storage call runs under
// the shared bus lock.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"crosspoint-transfer/internal/spibus"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("already exists")
	ErrIsDir             = errors.New("is a directory")
	ErrNotDir            = errors.New("not a directory")
	ErrNotEmpty          = errors.New("directory not empty")
	ErrEscapesRoot       = errors.New("path escapes root")
	ErrSymlinkNotAllowed = errors.New("symlink not allowed")
	ErrShortWrite        = errors.New("short write")
)

// Storage is the bus-guarded storage root. Paths passed to its methods are
// normalized device paths ("/books/x.epub"); validation happens before.
type Storage struct {
	root string
	bus  *spibus.Bus
}

// New opens (and creates if needed) the storage root.
func New(root string, bus *spibus.Bus) (*Storage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if bus == nil {
		bus = spibus.New()
	}
	return &Storage{root: abs, bus: bus}, nil
}

func (s *Storage) Root() string      { return s.root }
func (s *Storage) Bus() *spibus.Bus { return s.bus }

func (s *Storage) resolve(p string, allowMissing bool) (string, error) {
	abs, err := toOSPath(s.root, p)
	if err != nil {
		return "", err
	}
	if err := checkNoSymlink(s.root, abs, allowMissing); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return abs, nil
		}
		return "", err
	}
	return abs, nil
}

// locked resolves p and runs fn on the host path while holding the bus.
func (s *Storage) locked(p string, allowMissing bool, fn func(abs string) error) error {
	g := s.bus.Acquire()
	defer g.Release()
	abs, err := s.resolve(p, allowMissing)
	if err != nil {
		return err
	}
	return fn(abs)
}

// StatInfo describes one storage entry.
type StatInfo struct {
	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time
}

func statAbs(abs string) (StatInfo, error) {
	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return StatInfo{}, nil
		}
		return StatInfo{}, err
	}
	st := StatInfo{Exists: true, IsDir: fi.IsDir(), ModTime: fi.ModTime()}
	if !fi.IsDir() {
		st.Size = fi.Size()
	}
	return st, nil
}

// Stat never returns ErrNotFound; a missing entry has Exists == false.
func (s *Storage) Stat(p string) (StatInfo, error) {
	var st StatInfo
	err := s.locked(p, true, func(abs string) error {
		var err error
		st, err = statAbs(abs)
		return err
	})
	return st, err
}

func (s *Storage) Exists(p string) bool {
	st, err := s.Stat(p)
	return err == nil && st.Exists
}

// Create truncates or creates p for writing, creating missing parent
// directories. An existing directory at p is an error.
func (s *Storage) Create(p string) (*File, error) {
	var f *os.File
	err := s.locked(p, true, func(abs string) error {
		st, err := statAbs(abs)
		if err != nil {
			return err
		}
		if st.IsDir {
			return ErrIsDir
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		f, err = os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	return &File{f: f, bus: s.bus, path: p}, nil
}

// Open opens an existing regular file for reading.
func (s *Storage) Open(p string) (*File, error) {
	var (
		f    *os.File
		size int64
	)
	err := s.locked(p, false, func(abs string) error {
		st, err := statAbs(abs)
		if err != nil {
			return err
		}
		if !st.Exists {
			return ErrNotFound
		}
		if st.IsDir {
			return ErrIsDir
		}
		size = st.Size
		f, err = os.Open(abs)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return &File{f: f, bus: s.bus, path: p, size: size}, nil
}

// Remove deletes a file or an empty directory.
func (s *Storage) Remove(p string) error {
	err := s.locked(p, false, func(abs string) error {
		if abs == s.root {
			return ErrEscapesRoot
		}
		st, err := statAbs(abs)
		if err != nil {
			return err
		}
		if !st.Exists {
			return ErrNotFound
		}
		if st.IsDir {
			empty, err := dirEmpty(abs)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty
			}
		}
		return os.Remove(abs)
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

// RemoveAll deletes p recursively. It is only used for device-owned cache
// directories, never on client request.
func (s *Storage) RemoveAll(p string) error {
	return s.locked(p, true, func(abs string) error {
		if abs == s.root {
			return ErrEscapesRoot
		}
		return os.RemoveAll(abs)
	})
}

// Mkdir creates p and any missing parents. An existing entry is ErrExists.
func (s *Storage) Mkdir(p string) error {
	err := s.locked(p, true, func(abs string) error {
		st, err := statAbs(abs)
		if err != nil {
			return err
		}
		if st.Exists {
			return ErrExists
		}
		return os.MkdirAll(abs, 0o755)
	})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	return nil
}

// Rename moves from to to. The destination must not exist.
func (s *Storage) Rename(from, to string) error {
	g := s.bus.Acquire()
	defer g.Release()

	src, err := s.resolve(from, false)
	if err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	dst, err := s.resolve(to, true)
	if err != nil {
		return fmt.Errorf("rename %s: %w", to, err)
	}
	st, err := statAbs(src)
	if err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	if !st.Exists {
		return fmt.Errorf("rename %s: %w", from, ErrNotFound)
	}
	// A case-only rename on a case-insensitive root resolves both ends to
	// the same entry.
	if !strings.EqualFold(src, dst) {
		if dt, err := statAbs(dst); err != nil {
			return fmt.Errorf("rename %s: %w", to, err)
		} else if dt.Exists {
			return fmt.Errorf("rename %s: %w", to, ErrExists)
		}
	}
	if src == dst {
		dst = filepath.Join(filepath.Dir(dst), filepath.Base(filepath.FromSlash(to)))
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("rename %s: %w", from, err)
	}
	return nil
}

// DirEmpty reports whether directory p has no entries.
func (s *Storage) DirEmpty(p string) (bool, error) {
	var empty bool
	err := s.locked(p, false, func(abs string) error {
		var err error
		empty, err = dirEmpty(abs)
		return err
	})
	return empty, err
}

func dirEmpty(abs string) (bool, error) {
	d, err := os.Open(abs)
	if err != nil {
		return false, err
	}
	defer d.Close()
	_, err = d.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// ReadFile reads a small file in one bus acquisition.
func (s *Storage) ReadFile(p string) ([]byte, error) {
	var b []byte
	err := s.locked(p, false, func(abs string) error {
		var err error
		b, err = os.ReadFile(abs)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return b, nil
}

// WriteFile replaces a small file atomically in one bus acquisition.
func (s *Storage) WriteFile(p string, data []byte) error {
	err := s.locked(p, true, func(abs string) error {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		tmp := abs + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		return os.Rename(tmp, abs)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// DiskUsage reports total and free bytes of the filesystem holding the root.
func (s *Storage) DiskUsage() (total, free uint64, err error) {
	err = s.bus.Do(func() error {
		var err error
		total, free, err = diskUsage(s.root)
		return err
	})
	return total, free, err
}

// Entry is one directory listing item.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Dir iterates a directory one entry per bus acquisition so that a long
// listing never holds the bus for more than a single read.
type Dir struct {
	bus *spibus.Bus
	f   *os.File
	abs string
}

func (s *Storage) OpenDir(p string) (*Dir, error) {
	var d *os.File
	var abs string
	err := s.locked(p, false, func(a string) error {
		st, err := statAbs(a)
		if err != nil {
			return err
		}
		if !st.Exists {
			return ErrNotFound
		}
		if !st.IsDir {
			return ErrNotDir
		}
		abs = a
		d, err = os.Open(a)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("opendir %s: %w", p, err)
	}
	return &Dir{bus: s.bus, f: d, abs: abs}, nil
}

// Next returns the next entry; ok is false at the end of the directory.
// Symlinks are skipped.
func (d *Dir) Next() (e Entry, ok bool, err error) {
	g := d.bus.Acquire()
	defer g.Release()
	for {
		names, err := d.f.Readdirnames(1)
		if errors.Is(err, io.EOF) {
			return Entry{}, false, nil
		}
		if err != nil {
			return Entry{}, false, err
		}
		if len(names) == 0 {
			return Entry{}, false, nil
		}
		fi, err := os.Lstat(filepath.Join(d.abs, names[0]))
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			continue
		}
		e := Entry{Name: names[0], IsDir: fi.IsDir()}
		if !fi.IsDir() {
			e.Size = fi.Size()
		}
		return e, true, nil
	}
}

func (d *Dir) Close() error {
	g := d.bus.Acquire()
	defer g.Release()
	return d.f.Close()
}

// List reads a whole directory, sorted by name. Intended for small
// device-owned directories and tests.
func (s *Storage) List(p string) ([]Entry, error) {
	d, err := s.OpenDir(p)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	var out []Entry
	for {
		e, ok, err := d.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
