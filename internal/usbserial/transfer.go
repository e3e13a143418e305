package usbserial

import (
	"encoding/base64"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/transfer"
)

// protectedMessage matches the files.Manager rejection of protected paths.
const protectedMessage = "cannot access protected items"

func encodedLen(raw int) int { return base64.StdEncoding.EncodedLen(raw) }

// parseSize accepts a JSON number or a string of digits.
func parseSize(raw []byte) (int64, bool) {
	tok := strings.TrimSpace(string(raw))
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		tok = tok[1 : len(tok)-1]
	}
	v, ok := pathutil.ParseSize(tok, math.MaxInt64)
	return int64(v), ok
}

func (p *Protocol) cmdUploadStart(cmd *command) {
	size, ok := parseSize(cmd.Size)
	if !ok {
		p.opts.Metrics.Rejected(ChannelName, transfer.KindValidation.String())
		p.sendError("invalid size")
		return
	}
	if !pathutil.IsValidFilename(cmd.Name) {
		p.log.Warn("invalid filename rejected", zap.String("name", cmd.Name))
		p.opts.Metrics.Rejected(ChannelName, transfer.KindValidation.String())
		p.sendError("invalid filename")
		return
	}
	raw := cmd.Path
	if raw == "" {
		raw = "/"
	}
	dir, err := p.opts.Files.Resolve(raw)
	if err != nil {
		p.opts.Metrics.Rejected(ChannelName, transfer.KindValidation.String())
		p.sendFileError(err)
		return
	}
	target := pathutil.Join(dir, cmd.Name)

	if p.opts.CheckFreeSpace {
		if _, free, err := p.opts.Files.Storage().DiskUsage(); err == nil && uint64(size) > free {
			p.log.Warn("not enough free space", zap.String("path", target), zap.Int64("size", size), zap.Uint64("free", free))
			p.opts.Metrics.Rejected(ChannelName, transfer.KindValidation.String())
			p.sendError("not enough free space")
			return
		}
	}

	if p.opts.Session.Active() {
		p.log.Info("closing previous upload", zap.String("path", p.opts.Session.Progress().Path))
	}
	err = p.opts.Session.Start(target, size, p)
	switch {
	case err == nil:
		p.sendOK()
	case transfer.IsProtected(err):
		p.sendError(protectedMessage)
	case transfer.IsKind(err, transfer.KindValidation):
		p.sendError(transfer.Message(err))
	default:
		p.sendError("cannot open file for write")
	}
}

// cmdUploadChunk decodes data into the fixed chunk buffer and appends it.
// Any failure aborts the upload.
func (p *Protocol) cmdUploadChunk(cmd *command) {
	s := p.opts.Session
	if !s.Active() {
		p.opts.Metrics.Rejected(ChannelName, transfer.KindState.String())
		p.sendError("no upload in progress")
		return
	}
	if len(cmd.Data) > p.opts.MaxChunkB64 {
		s.Abort("chunk too large")
		p.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
		p.sendError("chunk too large")
		return
	}
	n, err := base64.StdEncoding.Decode(p.dec, []byte(cmd.Data))
	if err != nil {
		p.log.Warn("chunk decode failed", zap.Error(err))
		s.Abort("decode error")
		p.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
		p.sendError("base64 decode failed")
		return
	}
	if err := s.Ingest(p.dec[:n]); err != nil {
		switch transfer.KindOf(err) {
		case transfer.KindStorage:
			p.sendError("write failed")
		case transfer.KindProtocol:
			p.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
			p.sendError(transfer.Message(err))
		default:
			p.sendError("no upload in progress")
		}
		return
	}
	p.send(struct {
		OK       bool  `json:"ok"`
		Received int64 `json:"received"`
	}{true, s.Progress().Received})
}

func (p *Protocol) cmdUploadDone() {
	s := p.opts.Session
	if !s.Active() {
		p.opts.Metrics.Rejected(ChannelName, transfer.KindState.String())
		p.sendError("no upload in progress")
		return
	}
	pr := s.Progress()
	if pr.Received < pr.Declared {
		p.log.Warn("upload incomplete", zap.String("path", pr.Path), zap.Int64("received", pr.Received), zap.Int64("size", pr.Declared))
		s.Abort("incomplete upload")
		p.sendError("incomplete upload")
		return
	}
	if err := s.Commit(); err != nil {
		p.sendError("write failed")
		return
	}
	if p.opts.OnUploadComplete != nil {
		p.opts.OnUploadComplete(pr.Path)
	}
	p.send(struct {
		OK   bool  `json:"ok"`
		Size int64 `json:"size"`
	}{true, pr.Received})
}

func (p *Protocol) cmdDownload(cmd *command) {
	if cmd.Path == "" {
		p.sendError("missing path")
		return
	}
	fp, _, err := p.opts.Files.ResolveFile(cmd.Path)
	if err != nil {
		p.opts.Metrics.Download(ChannelName, "rejected", 0)
		p.sendFileError(err)
		return
	}
	f, err := p.opts.Files.Storage().Open(fp)
	if err != nil {
		p.log.Error("open for download failed", zap.String("path", fp), zap.Error(err))
		p.opts.Metrics.Download(ChannelName, "error", 0)
		p.sendError("cannot open file")
		return
	}
	defer f.Close()

	sent, err := p.stream(f)
	if err != nil {
		p.log.Warn("download truncated", zap.String("path", fp), zap.Int64("sent", sent), zap.Error(err))
		p.opts.Metrics.Download(ChannelName, "truncated", sent)
		return
	}
	p.opts.Metrics.Download(ChannelName, "ok", sent)
}

func (p *Protocol) cmdCover(cmd *command) {
	if cmd.Path == "" {
		p.sendError("missing path")
		return
	}
	doc, err := pathutil.Clean(cmd.Path)
	if err != nil {
		p.sendError("invalid path")
		return
	}
	var cover string
	ok := false
	if p.opts.Covers != nil {
		cover, ok = p.opts.Covers.CoverFor(doc)
	}
	if !ok {
		p.sendError("no cover available")
		return
	}
	f, err := p.opts.Files.Storage().Open(cover)
	if errors.Is(err, fsops.ErrNotFound) {
		p.sendError("cover file not found")
		return
	}
	if err != nil {
		p.log.Error("open cover failed", zap.String("cover", cover), zap.Error(err))
		p.sendError("cannot open file")
		return
	}
	defer f.Close()
	if sent, err := p.stream(f); err != nil {
		p.log.Warn("cover truncated", zap.String("cover", cover), zap.Int64("sent", sent), zap.Error(err))
	}
}

// stream writes the size header, one {"data":...} line per raw chunk and a
// final done line. Reads hold the bus; encoding and serial writes do not.
func (p *Protocol) stream(f *fsops.File) (int64, error) {
	p.writeLine([]byte(`{"ok":true,"size":` + strconv.FormatInt(f.Size(), 10) + "}\n"))
	line := make([]byte, 0, len(p.enc)+len(`{"data":""}`)+1)
	var sent int64
	for {
		n, rerr := f.Read(p.raw)
		if n > 0 {
			m := base64.StdEncoding.EncodedLen(n)
			base64.StdEncoding.Encode(p.enc, p.raw[:n])
			line = append(line[:0], `{"data":"`...)
			line = append(line, p.enc[:m]...)
			line = append(line, "\"}\n"...)
			if _, err := p.w.Write(line); err != nil {
				return sent, err
			}
			sent += int64(n)
			p.wd.Feed()
		}
		if errors.Is(rerr, io.EOF) {
			p.writeLine([]byte(`{"ok":true,"done":true}` + "\n"))
			return sent, nil
		}
		if rerr != nil {
			p.sendError("read failed")
			return sent, rerr
		}
	}
}
