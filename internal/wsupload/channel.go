// Package wsupload implements the fast binary upload over WebSocket.
//
// Protocol, per connection:
//
//	client: START:<urlencoded filename>:<size>:<urlencoded folder>
//	server: READY | ERROR:<message>
//	client: binary frames with file data
//	server: PROGRESS:<received>:<total> (every 64 KiB and at the end), DONE
//
// The client that sent START owns the upload until it completes, fails or
// is superseded by a newer START.
package wsupload

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/metrics"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/transfer"
)

// ChannelName identifies this channel in metrics and upload history.
const ChannelName = "ws"

const (
	defaultControlLimit = 1024
	defaultProgressStep = 64 * 1024
)

// Client is one WebSocket connection as seen by the Channel.
type Client interface {
	ID() uint64
	SendText(msg string) error
}

// Handler receives connection events. The server calls it from a single
// goroutine.
type Handler interface {
	OnConnect(c Client)
	OnDisconnect(c Client)
	OnText(c Client, msg []byte)
	OnBinary(c Client, data []byte)
}

type Options struct {
	Session *transfer.Session
	Store   *fsops.Storage
	History *transfer.History
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	// ControlLimit bounds text message size in bytes.
	ControlLimit int
	// ProgressStep is the minimum amount of new data between PROGRESS replies.
	ProgressStep int64
	// CheckFreeSpace rejects uploads larger than the free space.
	CheckFreeSpace bool
	// OnUploadComplete runs after an upload was committed.
	OnUploadComplete func(path string)
}

// Channel is the upload state machine behind the WebSocket server.
type Channel struct {
	opts    Options
	session *transfer.Session
	log     *zap.Logger

	mu           sync.Mutex
	filename     string
	lastProgress int64
}

var _ Handler = (*Channel)(nil)

func New(opts Options) *Channel {
	if opts.ControlLimit <= 0 {
		opts.ControlLimit = defaultControlLimit
	}
	if opts.ProgressStep <= 0 {
		opts.ProgressStep = defaultProgressStep
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{opts: opts, session: opts.Session, log: opts.Logger}
}

func (ch *Channel) send(c Client, msg string) {
	if err := c.SendText(msg); err != nil {
		ch.log.Debug("send failed", zap.Uint64("client", c.ID()), zap.Error(err))
	}
}

func (ch *Channel) sendError(c Client, msg string) {
	ch.send(c, "ERROR:"+msg)
}

func (ch *Channel) reject(c Client, kind transfer.Kind, msg string) {
	ch.opts.Metrics.Rejected(ChannelName, kind.String())
	ch.sendError(c, msg)
}

func (ch *Channel) OnConnect(c Client) {
	ch.log.Debug("client connected", zap.Uint64("client", c.ID()))
}

// OnDisconnect aborts the upload only when its owner goes away.
func (ch *Channel) OnDisconnect(c Client) {
	ch.log.Debug("client disconnected", zap.Uint64("client", c.ID()))
	if !ch.session.OwnedBy(c) {
		return
	}
	ch.log.Info("owner disconnected, aborting upload", zap.Uint64("client", c.ID()))
	ch.session.Abort("client disconnected")
	ch.clearUpload()
}

func (ch *Channel) clearUpload() {
	ch.mu.Lock()
	ch.filename = ""
	ch.lastProgress = 0
	ch.mu.Unlock()
}

func (ch *Channel) OnText(c Client, msg []byte) {
	if len(msg) > ch.opts.ControlLimit {
		ch.log.Warn("control message too long", zap.Uint64("client", c.ID()), zap.Int("len", len(msg)))
		ch.reject(c, transfer.KindProtocol, "Message too long")
		return
	}
	if bytes.IndexByte(msg, 0) >= 0 {
		ch.log.Warn("control message with NUL", zap.Uint64("client", c.ID()))
		ch.reject(c, transfer.KindProtocol, "Invalid message")
		return
	}
	s := string(msg)
	if !strings.HasPrefix(s, "START:") {
		ch.reject(c, transfer.KindProtocol, "Unknown command")
		return
	}
	ch.start(c, s[len("START:"):])
}

type startRequest struct {
	name string
	dir  string
	size int64
}

// parseStart splits "<filename>:<size>:<path>". The path is the remainder
// and may be empty.
func parseStart(args string) (startRequest, string) {
	first := strings.IndexByte(args, ':')
	if first <= 0 {
		return startRequest{}, "Invalid START format"
	}
	rest := args[first+1:]
	second := strings.IndexByte(rest, ':')
	if second < 0 {
		return startRequest{}, "Invalid START format"
	}
	size, ok := pathutil.ParseSize(rest[:second], math.MaxInt64)
	if !ok {
		return startRequest{}, "Invalid size"
	}
	return startRequest{
		name: pathutil.URLDecode(args[:first]),
		dir:  pathutil.URLDecode(rest[second+1:]),
		size: int64(size),
	}, ""
}

func (ch *Channel) start(c Client, args string) {
	req, bad := parseStart(args)
	if bad != "" {
		ch.reject(c, transfer.KindValidation, bad)
		return
	}
	if !pathutil.IsValidFilename(req.name) {
		ch.log.Warn("invalid filename rejected", zap.String("name", req.name))
		ch.reject(c, transfer.KindValidation, "Invalid filename")
		return
	}
	dir := req.dir
	if dir == "" {
		dir = "/"
	}
	if !pathutil.IsValidPath(dir) {
		ch.log.Warn("path validation failed", zap.String("path", dir))
		ch.reject(c, transfer.KindValidation, "Invalid path")
		return
	}
	dir = pathutil.Normalize(dir)
	target := pathutil.Join(dir, req.name)

	if ch.opts.CheckFreeSpace && ch.opts.Store != nil {
		if _, free, err := ch.opts.Store.DiskUsage(); err == nil && uint64(req.size) > free {
			ch.log.Warn("not enough free space", zap.String("path", target), zap.Int64("size", req.size), zap.Uint64("free", free))
			ch.reject(c, transfer.KindValidation, "Not enough free space")
			return
		}
	}

	prev := ch.session.Owner()
	err := ch.session.Start(target, req.size, c)
	if transfer.IsKind(err, transfer.KindValidation) {
		ch.sendError(c, startMessage(err))
		return
	}
	if prevClient, ok := prev.(Client); ok && prevClient != c {
		ch.sendError(prevClient, "Upload superseded")
	}
	if err != nil {
		ch.clearUpload()
		ch.sendError(c, "Failed to create file")
		return
	}

	ch.mu.Lock()
	ch.filename = req.name
	ch.lastProgress = 0
	ch.mu.Unlock()
	ch.log.Info("upload started", zap.Uint64("client", c.ID()), zap.String("path", target), zap.Int64("size", req.size))
	ch.send(c, "READY")
}

// startMessage maps session validation messages to protocol replies.
func startMessage(err error) string {
	switch transfer.Message(err) {
	case "invalid filename":
		return "Invalid filename"
	case transfer.MsgProtected:
		return "Protected path"
	case "file too large":
		return "File too large"
	case "invalid size":
		return "Invalid size"
	}
	return "Invalid path"
}

// OnBinary writes one chunk. Frames from a client that does not own the
// upload are refused without touching it.
func (ch *Channel) OnBinary(c Client, data []byte) {
	if !ch.session.Active() {
		ch.reject(c, transfer.KindState, "No upload in progress")
		return
	}
	if !ch.session.OwnedBy(c) {
		ch.log.Warn("chunk from non-owner", zap.Uint64("client", c.ID()))
		ch.reject(c, transfer.KindOwnership, "Not upload owner")
		return
	}
	if err := ch.session.Ingest(data); err != nil {
		ch.clearUpload()
		switch transfer.KindOf(err) {
		case transfer.KindStorage:
			ch.sendError(c, "Write failed - disk full?")
		case transfer.KindProtocol:
			ch.opts.Metrics.Rejected(ChannelName, transfer.KindProtocol.String())
			if transfer.Message(err) == "empty chunk" {
				ch.sendError(c, "Empty chunk")
			} else {
				ch.sendError(c, "Chunk exceeds declared size")
			}
		default:
			ch.sendError(c, "No upload in progress")
		}
		return
	}

	p := ch.session.Progress()
	ch.mu.Lock()
	due := p.Received-ch.lastProgress >= ch.opts.ProgressStep || p.Received >= p.Declared
	if due {
		ch.lastProgress = p.Received
	}
	ch.mu.Unlock()
	if due {
		ch.send(c, "PROGRESS:"+strconv.FormatInt(p.Received, 10)+":"+strconv.FormatInt(p.Declared, 10))
	}
	if p.Received < p.Declared {
		return
	}

	err := ch.session.Commit()
	ch.clearUpload()
	if err != nil {
		ch.sendError(c, "Write failed - disk full?")
		return
	}
	elapsed := time.Since(p.Started)
	ch.log.Info("upload complete",
		zap.String("path", p.Path),
		zap.Int64("bytes", p.Received),
		zap.Duration("took", elapsed),
		zap.Float64("kib_per_sec", kibPerSec(p.Received, elapsed)))
	if ch.opts.OnUploadComplete != nil {
		ch.opts.OnUploadComplete(p.Path)
	}
	ch.send(c, "DONE")
}

func kibPerSec(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / 1024 / d.Seconds()
}

// Status is the upload state shown by /api/status and the USB status command.
type Status struct {
	InProgress       bool   `json:"inProgress"`
	Received         int64  `json:"received"`
	Total            int64  `json:"total"`
	Filename         string `json:"filename"`
	LastCompleteName string `json:"lastCompleteName,omitempty"`
	LastCompleteSize int64  `json:"lastCompleteSize,omitempty"`
	LastCompleteAt   int64  `json:"lastCompleteAt,omitempty"`
}

func (ch *Channel) Status() Status {
	var st Status
	p := ch.session.Progress()
	if p.Status == transfer.Active.String() {
		st.InProgress = true
		st.Received = p.Received
		st.Total = p.Declared
		ch.mu.Lock()
		st.Filename = ch.filename
		ch.mu.Unlock()
	}
	if last, ok := ch.opts.History.LastCommitted(ChannelName); ok {
		st.LastCompleteName = pathutil.Base(last.Path)
		st.LastCompleteSize = last.Bytes
		st.LastCompleteAt = last.Finished.Unix()
	}
	return st
}
