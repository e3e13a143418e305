package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/files"
	"crosspoint-transfer/internal/pathutil"
)

// handleFileList streams the folder listing as a JSON array, one entry per
// storage read, so the bus is never held while the socket is written.
func (c *Channel) handleFileList(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	if dir == "" {
		dir = "/"
	}
	started := false
	err := c.files.List(dir, func(e files.Entry) error {
		b, err := json.Marshal(e)
		if err != nil {
			return nil
		}
		sep := ","
		if !started {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			sep = "["
			started = true
		}
		if _, err := w.Write(append([]byte(sep), b...)); err != nil {
			return err
		}
		return nil
	})
	if !started {
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []files.Entry{})
		return
	}
	if err != nil {
		c.log.Warn("listing cut short", zap.String("path", dir), zap.Error(err))
	}
	_, _ = w.Write([]byte("]"))
}

func (c *Channel) handleMkdir(w http.ResponseWriter, r *http.Request) {
	a, err := readArgs(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	name := a.str("name")
	if _, err := c.files.Mkdir(a.str("path"), name); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Folder created: "+strings.TrimSpace(name))
}

// handleRename accepts {path,name} or {from,to}. With from/to, "to" may be
// a bare name or a path in the same folder.
func (c *Channel) handleRename(w http.ResponseWriter, r *http.Request) {
	a, err := readArgs(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	src := a.first("path", "from")
	newName, ok := a["name"].(string)
	if !ok {
		newName, ok = a["to"].(string)
		if ok && strings.Contains(newName, "/") {
			newName, ok = sameFolderName(src, newName)
			if !ok {
				writeText(w, http.StatusBadRequest, "Invalid file name")
				return
			}
		}
	}
	if src == "" || !ok {
		writeText(w, http.StatusBadRequest, "Missing path or new name")
		return
	}
	_, changed, err := c.files.Rename(src, newName)
	if err != nil {
		writeError(w, err)
		return
	}
	if !changed {
		writeText(w, http.StatusOK, "Name unchanged")
		return
	}
	writeText(w, http.StatusOK, "Renamed successfully")
}

// sameFolderName returns the base of to when it lives in the folder of from.
func sameFolderName(from, to string) (string, bool) {
	f, err := pathutil.Clean(from)
	if err != nil {
		return "", false
	}
	t, err := pathutil.Clean(to)
	if err != nil || t == "/" {
		return "", false
	}
	if pathutil.Parent(f) != pathutil.Parent(t) {
		return "", false
	}
	return pathutil.Base(t), true
}

func (c *Channel) handleMove(w http.ResponseWriter, r *http.Request) {
	a, err := readArgs(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	src := a.first("path", "from")
	dest := a.first("dest", "to")
	if src == "" || dest == "" {
		writeText(w, http.StatusBadRequest, "Missing path or destination")
		return
	}
	_, changed, err := c.files.Move(src, dest)
	if err != nil {
		writeError(w, err)
		return
	}
	if !changed {
		writeText(w, http.StatusOK, "Already in destination")
		return
	}
	writeText(w, http.StatusOK, "Moved successfully")
}

type deleteFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

type deleteResult struct {
	OK      bool            `json:"ok"`
	Deleted []string        `json:"deleted"`
	Failed  []deleteFailure `json:"failed"`
}

// handleDelete removes one item ({path}) or several ({paths}). A batch is
// not atomic: every item is tried and the failures are reported.
func (c *Channel) handleDelete(w http.ResponseWriter, r *http.Request) {
	a, err := readArgs(r)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, isBatch := a["paths"]; isBatch {
		paths, ok := a.list("paths")
		if !ok || len(paths) == 0 {
			writeText(w, http.StatusBadRequest, "Invalid paths")
			return
		}
		c.deleteBatch(w, paths)
		return
	}
	raw := a.str("path")
	if raw == "" {
		writeText(w, http.StatusBadRequest, "Missing path")
		return
	}
	if _, err := c.files.Delete(raw); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "Deleted successfully")
}

func (c *Channel) deleteBatch(w http.ResponseWriter, paths []string) {
	res := deleteResult{OK: true, Deleted: []string{}, Failed: []deleteFailure{}}
	status := http.StatusOK
	for _, raw := range paths {
		p, err := c.files.Delete(raw)
		if err != nil {
			if res.OK {
				status = files.StatusOf(err)
			}
			res.OK = false
			res.Failed = append(res.Failed, deleteFailure{
				Path:  raw,
				Error: strings.ToLower(files.MessageOf(err)),
			})
			continue
		}
		res.Deleted = append(res.Deleted, p)
		c.wd.Feed()
	}
	if !res.OK {
		c.log.Warn("batch delete incomplete", zap.Int("deleted", len(res.Deleted)), zap.Int("failed", len(res.Failed)))
	}
	writeJSON(w, status, res)
}
