// Package files implements the client-facing file management operations
// (list, mkdir, delete, rename, move) shared by the HTTP and USB serial
// channels, with one set of validation rules and messages.
package files

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/spibus"
	"crosspoint-transfer/internal/transfer"
)

// Error is a rejected operation. Status uses HTTP codes as the common
// category; Msg is safe to show to the client.
type Error struct {
	Status int
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func fail(status int, msg string, cause error) *Error {
	return &Error{Status: status, Msg: msg, Err: cause}
}

// StatusOf returns the HTTP status for err (500 for foreign errors).
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the client message for err.
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	return "internal error"
}

type Manager struct {
	store *fsops.Storage
	prot  *pathutil.Protector
	inval transfer.Invalidator
	wd    spibus.Watchdog
	log   *zap.Logger
}

func NewManager(store *fsops.Storage, prot *pathutil.Protector, inval transfer.Invalidator, wd spibus.Watchdog, log *zap.Logger) *Manager {
	if wd == nil {
		wd = spibus.NopWatchdog{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, prot: prot, inval: inval, wd: wd, log: log}
}

func (m *Manager) Storage() *fsops.Storage       { return m.store }
func (m *Manager) Protector() *pathutil.Protector { return m.prot }

func (m *Manager) invalidate(p string) {
	if m.inval != nil {
		m.inval.InvalidatePath(p)
	}
}

// Resolve runs the entry-point pipeline on a raw client path and rejects
// protected paths.
func (m *Manager) Resolve(raw string) (string, error) {
	p, err := pathutil.Clean(raw)
	if err != nil {
		m.log.Warn("path rejected", zap.String("raw", raw), zap.Error(err))
		return "", fail(http.StatusBadRequest, "Invalid path", err)
	}
	if m.prot.IsProtected(p) {
		m.log.Warn("protected path rejected", zap.String("path", p))
		return "", fail(http.StatusForbidden, "Cannot access protected items", nil)
	}
	return p, nil
}

// ResolveFile resolves raw and requires an existing regular file.
func (m *Manager) ResolveFile(raw string) (string, fsops.StatInfo, error) {
	p, err := m.Resolve(raw)
	if err != nil {
		return "", fsops.StatInfo{}, err
	}
	st, err := m.store.Stat(p)
	if err != nil {
		return "", st, fail(http.StatusInternalServerError, "Failed to open file", err)
	}
	if !st.Exists {
		return "", st, fail(http.StatusNotFound, "Item not found", nil)
	}
	if st.IsDir {
		return "", st, fail(http.StatusBadRequest, "Path is a directory", nil)
	}
	return p, st, nil
}

// Entry is one visible listing item.
type Entry struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	IsDirectory bool   `json:"isDirectory"`
	IsEpub      bool   `json:"isEpub"`
}

// List calls fn for every visible entry of directory raw, one storage read
// per entry. Hidden and protected names are skipped.
func (m *Manager) List(raw string, fn func(Entry) error) error {
	p, err := m.Resolve(raw)
	if err != nil {
		return err
	}
	d, err := m.store.OpenDir(p)
	if err != nil {
		switch {
		case errors.Is(err, fsops.ErrNotFound):
			return fail(http.StatusNotFound, "Directory not found", err)
		case errors.Is(err, fsops.ErrNotDir):
			return fail(http.StatusBadRequest, "Not a directory", err)
		}
		return fail(http.StatusInternalServerError, "Cannot open directory", err)
	}
	defer d.Close()
	for {
		e, ok, err := d.Next()
		if err != nil {
			return fail(http.StatusInternalServerError, "Cannot read directory", err)
		}
		if !ok {
			return nil
		}
		m.wd.Feed()
		if m.prot.IsHidden(e.Name) {
			continue
		}
		if err := fn(Entry{
			Name:        e.Name,
			Size:        e.Size,
			IsDirectory: e.IsDir,
			IsEpub:      !e.IsDir && strings.HasSuffix(strings.ToLower(e.Name), ".epub"),
		}); err != nil {
			return err
		}
	}
}

// Mkdir creates folder name inside parent.
func (m *Manager) Mkdir(parentRaw, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fail(http.StatusBadRequest, "Missing folder name", nil)
	}
	if err := pathutil.CheckFilename(name); err != nil {
		return "", fail(http.StatusBadRequest, "Invalid folder name", err)
	}
	parent := "/"
	if parentRaw != "" {
		p, err := m.Resolve(parentRaw)
		if err != nil {
			return "", err
		}
		parent = p
	}
	return m.mkdir(pathutil.Join(parent, name))
}

// MkdirPath creates the folder at a full raw path.
func (m *Manager) MkdirPath(raw string) (string, error) {
	p, err := m.Resolve(raw)
	if err != nil {
		return "", err
	}
	if p == "/" {
		return "", fail(http.StatusBadRequest, "Folder already exists", nil)
	}
	if err := pathutil.CheckFilename(pathutil.Base(p)); err != nil {
		return "", fail(http.StatusBadRequest, "Invalid folder name", err)
	}
	return m.mkdir(p)
}

func (m *Manager) mkdir(p string) (string, error) {
	if m.prot.IsProtected(p) {
		return "", fail(http.StatusForbidden, "Cannot access protected items", nil)
	}
	if err := m.store.Mkdir(p); err != nil {
		if errors.Is(err, fsops.ErrExists) {
			return "", fail(http.StatusBadRequest, "Folder already exists", err)
		}
		m.log.Error("mkdir failed", zap.String("path", p), zap.Error(err))
		return "", fail(http.StatusInternalServerError, "Failed to create folder", err)
	}
	m.log.Info("folder created", zap.String("path", p))
	return p, nil
}

// Delete removes one file or empty folder.
func (m *Manager) Delete(raw string) (string, error) {
	p, err := pathutil.Clean(raw)
	if err != nil {
		m.log.Warn("delete rejected", zap.String("raw", raw), zap.Error(err))
		return "", fail(http.StatusBadRequest, "Invalid path", err)
	}
	if p == "/" {
		return "", fail(http.StatusBadRequest, "Cannot delete root directory", nil)
	}
	if strings.HasPrefix(pathutil.Base(p), ".") {
		return "", fail(http.StatusForbidden, "Cannot delete system files", nil)
	}
	if m.prot.IsProtected(p) {
		return "", fail(http.StatusForbidden, "Cannot delete protected items", nil)
	}
	st, err := m.store.Stat(p)
	if err != nil {
		return "", fail(http.StatusInternalServerError, "Failed to delete item", err)
	}
	if !st.Exists {
		return "", fail(http.StatusNotFound, "Item not found", nil)
	}
	if err := m.store.Remove(p); err != nil {
		if errors.Is(err, fsops.ErrNotEmpty) {
			return "", fail(http.StatusBadRequest, "Folder is not empty. Delete contents first.", err)
		}
		m.log.Error("delete failed", zap.String("path", p), zap.Error(err))
		return "", fail(http.StatusInternalServerError, "Failed to delete item", err)
	}
	m.invalidate(p)
	m.log.Info("deleted", zap.String("path", p), zap.Bool("folder", st.IsDir))
	return p, nil
}

// Rename gives the file at raw a new name in the same folder. Unchanged
// names succeed with changed == false.
func (m *Manager) Rename(raw, newName string) (dst string, changed bool, err error) {
	p, err := pathutil.Clean(raw)
	if err != nil {
		return "", false, fail(http.StatusBadRequest, "Invalid path", err)
	}
	if p == "/" {
		return "", false, fail(http.StatusBadRequest, "Invalid path", nil)
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return "", false, fail(http.StatusBadRequest, "New name cannot be empty", nil)
	}
	if strings.ContainsAny(newName, "/\\") {
		return "", false, fail(http.StatusBadRequest, "Invalid file name", nil)
	}
	if strings.HasPrefix(newName, ".") {
		return "", false, fail(http.StatusForbidden, "Cannot rename to hidden name", nil)
	}
	if err := pathutil.CheckFilename(newName); err != nil {
		return "", false, fail(http.StatusBadRequest, "Invalid file name", err)
	}
	if m.prot.IsProtected(p) || m.prot.IsHidden(newName) {
		return "", false, fail(http.StatusForbidden, "Cannot rename protected item", nil)
	}
	if newName == pathutil.Base(p) {
		return p, false, nil
	}
	st, err := m.store.Stat(p)
	if err != nil {
		return "", false, fail(http.StatusInternalServerError, "Failed to open file", err)
	}
	if !st.Exists {
		return "", false, fail(http.StatusNotFound, "Item not found", nil)
	}
	if st.IsDir {
		return "", false, fail(http.StatusBadRequest, "Only files can be renamed", nil)
	}
	dst = pathutil.Join(pathutil.Parent(p), newName)
	return dst, true, m.rename(p, dst, "Failed to rename file")
}

// Move puts the file at raw into folder destRaw, keeping its name.
func (m *Manager) Move(raw, destRaw string) (dst string, changed bool, err error) {
	p, err := pathutil.Clean(raw)
	if err != nil {
		return "", false, fail(http.StatusBadRequest, "Invalid path", err)
	}
	dir, err := pathutil.Clean(destRaw)
	if err != nil {
		return "", false, fail(http.StatusBadRequest, "Invalid path", err)
	}
	if p == "/" {
		return "", false, fail(http.StatusBadRequest, "Invalid path", nil)
	}
	if m.prot.IsProtected(p) || m.prot.IsProtected(dir) {
		return "", false, fail(http.StatusForbidden, "Cannot move protected item", nil)
	}
	st, err := m.store.Stat(p)
	if err != nil {
		return "", false, fail(http.StatusInternalServerError, "Failed to open file", err)
	}
	if !st.Exists {
		return "", false, fail(http.StatusNotFound, "Item not found", nil)
	}
	if st.IsDir {
		return "", false, fail(http.StatusBadRequest, "Only files can be moved", nil)
	}
	dt, err := m.store.Stat(dir)
	if err != nil {
		return "", false, fail(http.StatusInternalServerError, "Failed to open file", err)
	}
	if !dt.Exists {
		return "", false, fail(http.StatusNotFound, "Destination not found", nil)
	}
	if !dt.IsDir {
		return "", false, fail(http.StatusBadRequest, "Destination is not a folder", nil)
	}
	dst = pathutil.Join(dir, pathutil.Base(p))
	if dst == p {
		return p, false, nil
	}
	return dst, true, m.rename(p, dst, "Failed to move file")
}

func (m *Manager) rename(from, to, failMsg string) error {
	if !strings.EqualFold(from, to) && m.store.Exists(to) {
		return fail(http.StatusConflict, "Target already exists", nil)
	}
	m.invalidate(from)
	if err := m.store.Rename(from, to); err != nil {
		if errors.Is(err, fsops.ErrExists) {
			return fail(http.StatusConflict, "Target already exists", err)
		}
		m.log.Error("rename failed", zap.String("from", from), zap.String("to", to), zap.Error(err))
		return fail(http.StatusInternalServerError, failMsg, err)
	}
	m.invalidate(to)
	m.log.Info("renamed", zap.String("from", from), zap.String("to", to))
	return nil
}
