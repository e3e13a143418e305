// Package usbserial implements the companion-app link over USB serial: one
// JSON command per line in, one JSON reply per line out.
//
//	{"cmd":"list","path":"/books"}
//	{"ok":true,"files":[{"name":"a.epub","size":1234,"isDirectory":false,"isEpub":true}]}
//
// Failures are reported as {"ok":false,"error":"<message>"}. Exactly one
// command is handled per Poll.
package usbserial

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/files"
	"crosspoint-transfer/internal/library"
	"crosspoint-transfer/internal/metrics"
	"crosspoint-transfer/internal/spibus"
	"crosspoint-transfer/internal/transfer"
)

// ChannelName identifies this channel in metrics and upload history.
const ChannelName = "usb"

const (
	defaultLineBuffer  = 1024
	defaultChunkRaw    = 576
	defaultMaxChunkB64 = 512
	readBufferSize     = 256
)

// CoverLocator finds the cached cover image for a book.
type CoverLocator interface {
	CoverFor(doc string) (string, bool)
}

type Options struct {
	Files    *files.Manager
	Session  *transfer.Session
	Recent   *library.RecentStore
	Settings *library.Settings
	Wifi     *library.WifiStore
	Covers   CoverLocator
	Metrics  *metrics.Metrics
	Watchdog spibus.Watchdog
	Logger   *zap.Logger

	// LineBuffer bounds one command line in bytes.
	LineBuffer int
	// ChunkRaw is the raw byte count behind each outgoing data line.
	ChunkRaw int
	// MaxChunkB64 bounds the base64 payload of one upload_chunk.
	MaxChunkB64    int
	CheckFreeSpace bool

	// Status adds device-wide fields to the status reply.
	Status           func() map[string]any
	OnUploadComplete func(path string)
}

// Protocol is the command parser and dispatcher for one serial stream.
type Protocol struct {
	opts    Options
	w       io.Writer
	log     *zap.Logger
	wd      spibus.Watchdog
	started time.Time

	in         []byte
	line       []byte
	discarding bool

	raw []byte
	enc []byte
	dec []byte
}

// New creates a protocol writing replies to w.
func New(w io.Writer, opts Options) *Protocol {
	if opts.LineBuffer <= 0 {
		opts.LineBuffer = defaultLineBuffer
	}
	if opts.ChunkRaw <= 0 {
		opts.ChunkRaw = defaultChunkRaw
	}
	if opts.MaxChunkB64 <= 0 {
		opts.MaxChunkB64 = defaultMaxChunkB64
	}
	if opts.Watchdog == nil {
		opts.Watchdog = spibus.NopWatchdog{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Protocol{
		opts:    opts,
		w:       w,
		log:     opts.Logger,
		wd:      opts.Watchdog,
		started: time.Now(),
		line:    make([]byte, 0, opts.LineBuffer),
		raw:     make([]byte, opts.ChunkRaw),
		enc:     make([]byte, encodedLen(opts.ChunkRaw)),
		dec:     make([]byte, opts.MaxChunkB64/4*3),
	}
}

// Feed queues bytes read from the serial stream.
func (p *Protocol) Feed(data []byte) {
	p.in = append(p.in, data...)
}

// Poll consumes queued input up to and including the next newline and
// handles that line. It reports whether a command was handled. CR bytes
// are skipped; a line longer than the buffer is dropped through its newline.
func (p *Protocol) Poll() bool {
	for len(p.in) > 0 {
		c := p.in[0]
		p.in = p.in[1:]
		switch {
		case c == '\r':
			continue
		case c == '\n':
			if p.discarding {
				p.discarding = false
				p.line = p.line[:0]
				continue
			}
			if len(p.line) == 0 {
				continue
			}
			p.handleLine(p.line)
			p.line = p.line[:0]
			p.compact()
			return true
		case p.discarding:
			continue
		case len(p.line) == cap(p.line):
			p.log.Warn("command line too long, discarding", zap.Int("limit", cap(p.line)))
			p.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
			p.line = p.line[:0]
			p.discarding = true
		default:
			p.line = append(p.line, c)
		}
	}
	p.compact()
	return false
}

func (p *Protocol) compact() {
	if len(p.in) == 0 {
		p.in = p.in[:0:0]
	}
}

// Reset drops partial input and aborts any open upload. The device calls it
// when the transfer screen is entered or left.
func (p *Protocol) Reset() {
	p.in = nil
	p.line = p.line[:0]
	p.discarding = false
	p.opts.Session.Reset("usb reset")
}

// Run reads r until ctx is cancelled or r reports EOF, handling every
// complete line before the next read. A read that returns no data (serial
// read timeout) just re-checks ctx.
func (p *Protocol) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		for p.Poll() {
		}
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				for p.Poll() {
				}
				return nil
			}
			return err
		}
	}
}

// command is the union of all request fields.
type command struct {
	Cmd      string          `json:"cmd"`
	Path     string          `json:"path"`
	Name     string          `json:"name"`
	Dest     string          `json:"dest"`
	Size     json.RawMessage `json:"size"`
	Data     string          `json:"data"`
	Settings json.RawMessage `json:"settings"`
	SSID     string          `json:"ssid"`
	Password string          `json:"password"`
}

func (p *Protocol) handleLine(line []byte) {
	var cmd command
	if err := json.Unmarshal(bytes.TrimSpace(line), &cmd); err != nil {
		p.log.Debug("parse error", zap.Error(err))
		p.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
		p.sendError("parse error")
		return
	}
	p.log.Debug("command", zap.String("cmd", cmd.Cmd))
	p.dispatch(&cmd)
}

func (p *Protocol) dispatch(cmd *command) {
	switch cmd.Cmd {
	case "status":
		p.cmdStatus()
	case "list":
		p.cmdList(cmd)
	case "download":
		p.cmdDownload(cmd)
	case "upload_start":
		p.cmdUploadStart(cmd)
	case "upload_chunk":
		p.cmdUploadChunk(cmd)
	case "upload_done":
		p.cmdUploadDone()
	case "delete":
		p.cmdDelete(cmd)
	case "mkdir":
		p.cmdMkdir(cmd)
	case "rename":
		p.cmdRename(cmd)
	case "move":
		p.cmdMove(cmd)
	case "settings_get", "get_settings":
		p.cmdSettingsGet()
	case "settings_set", "set_settings":
		p.cmdSettingsSet(cmd)
	case "recent", "get_recent":
		p.cmdRecent()
	case "cover":
		p.cmdCover(cmd)
	case "wifi_connect":
		p.cmdWifiConnect(cmd)
	default:
		p.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
		p.sendError("unknown command")
	}
}

var okLine = []byte("{\"ok\":true}\n")

func (p *Protocol) writeLine(b []byte) {
	if _, err := p.w.Write(b); err != nil {
		p.log.Debug("serial write failed", zap.Error(err))
	}
}

func (p *Protocol) sendOK() { p.writeLine(okLine) }

func (p *Protocol) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		p.log.Error("encode reply", zap.Error(err))
		p.sendError("internal error")
		return
	}
	p.writeLine(append(b, '\n'))
}

func (p *Protocol) sendError(msg string) {
	p.send(struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}{false, msg})
}

// sendFileError reports a files.Manager failure in the lowercase style of
// this protocol.
func (p *Protocol) sendFileError(err error) {
	p.sendError(strings.ToLower(files.MessageOf(err)))
}
