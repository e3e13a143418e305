package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/transfer"
)

// handleUpload stores the first file part of a multipart body in the folder
// named by ?path=. An existing file is overwritten.
func (c *Channel) handleUpload(w http.ResponseWriter, r *http.Request) {
	select {
	case c.uploadSlot <- struct{}{}:
	case <-r.Context().Done():
		return
	}
	defer func() { <-c.uploadSlot }()

	dir := "/"
	if raw := r.URL.Query().Get("path"); raw != "" {
		p, err := c.files.Resolve(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		dir = p
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid upload request")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		writeText(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer part.Close()

	name := part.FileName()
	if !pathutil.IsValidFilename(name) {
		c.log.Warn("upload rejected: invalid filename", zap.String("name", name))
		c.opts.Metrics.Rejected(ChannelName, transfer.KindValidation.String())
		writeText(w, http.StatusBadRequest, "Invalid filename")
		return
	}
	target := pathutil.Join(dir, name)

	if err := c.session.Start(target, transfer.UnknownSize, r); err != nil {
		if transfer.IsKind(err, transfer.KindStorage) {
			writeText(w, http.StatusInternalServerError, "Failed to create file on SD card")
			return
		}
		if transfer.IsProtected(err) {
			writeText(w, http.StatusForbidden, "Cannot access protected items")
			return
		}
		writeText(w, http.StatusBadRequest, "Invalid path")
		return
	}

	buf := make([]byte, c.opts.ChunkSize*4)
	var total, nextLog int64 = 0, progressLogStep
	for {
		n, rerr := part.Read(buf)
		if n > 0 {
			if err := c.session.Ingest(buf[:n]); err != nil {
				writeText(w, http.StatusInternalServerError, "Failed to write to SD card - disk may be full")
				return
			}
			total += int64(n)
			if total >= nextLog {
				c.log.Debug("upload progress", zap.String("path", target), zap.Int64("bytes", total))
				nextLog += progressLogStep
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			c.session.Abort("upload aborted")
			writeText(w, http.StatusBadRequest, "Upload aborted")
			return
		}
	}

	if err := c.session.Commit(); err != nil {
		writeText(w, http.StatusInternalServerError, "Failed to write final data to SD card")
		return
	}
	c.log.Info("upload complete", zap.String("path", target), zap.Int64("bytes", total))
	if c.opts.OnUploadComplete != nil {
		c.opts.OnUploadComplete(target)
	}
	writeText(w, http.StatusOK, "File uploaded successfully: "+name)
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (c *Channel) handleDownload(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeText(w, http.StatusBadRequest, "Missing path")
		return
	}
	p, st, err := c.files.ResolveFile(raw)
	if err != nil {
		c.opts.Metrics.Download(ChannelName, "rejected", 0)
		writeError(w, err)
		return
	}
	f, err := c.files.Storage().Open(p)
	if err != nil {
		c.log.Error("open for download failed", zap.String("path", p), zap.Error(err))
		c.opts.Metrics.Download(ChannelName, "error", 0)
		writeText(w, http.StatusInternalServerError, "Failed to open file")
		return
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if strings.HasSuffix(strings.ToLower(p), ".epub") {
		contentType = "application/epub+zip"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(st.Size, 10))
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pathutil.Base(p)))
	w.WriteHeader(http.StatusOK)

	sent, err := c.stream(w, f)
	if err != nil {
		c.log.Warn("download truncated", zap.String("path", p), zap.Int64("sent", sent), zap.Int64("size", st.Size), zap.Error(err))
		c.opts.Metrics.Download(ChannelName, "truncated", sent)
		return
	}
	c.opts.Metrics.Download(ChannelName, "ok", sent)
}

var errShortWrite = errors.New("short network write")

// stream copies f to w one chunk at a time. Each read holds the bus; the
// network write does not. A short write ends the transfer.
func (c *Channel) stream(w io.Writer, f *fsops.File) (int64, error) {
	buf := make([]byte, c.opts.ChunkSize)
	var sent int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			sent += int64(wn)
			if werr != nil {
				return sent, werr
			}
			if wn != n {
				return sent, errShortWrite
			}
			c.wd.Feed()
		}
		if errors.Is(rerr, io.EOF) {
			return sent, nil
		}
		if rerr != nil {
			return sent, rerr
		}
	}
}

func (c *Channel) handleCover(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if raw == "" {
		writeText(w, http.StatusBadRequest, "Missing path")
		return
	}
	doc, err := pathutil.Clean(raw)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid path")
		return
	}
	var cover string
	ok := false
	if c.opts.Covers != nil {
		cover, ok = c.opts.Covers.CoverFor(doc)
	}
	if !ok {
		writeText(w, http.StatusNotFound, "No cover available")
		return
	}
	store := c.files.Storage()
	if !store.Exists(cover) {
		writeText(w, http.StatusNotFound, "Cover file not found")
		return
	}
	f, err := store.Open(cover)
	if err != nil {
		c.log.Error("open cover failed", zap.String("cover", cover), zap.Error(err))
		writeText(w, http.StatusInternalServerError, "Failed to open cover")
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", "image/bmp")
	h.Set("Content-Length", strconv.FormatInt(f.Size(), 10))
	h.Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if sent, err := c.stream(w, f); err != nil {
		c.log.Warn("cover truncated", zap.String("cover", cover), zap.Int64("sent", sent), zap.Error(err))
	}
}
