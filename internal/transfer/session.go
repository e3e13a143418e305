// Package transfer implements the upload session shared by the HTTP,
// WebSocket and USB serial channels: validate, open, buffer, flush, then
// commit or abort a single destination file.
package transfer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/metrics"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/spibus"
)

// Status is the session state.
type Status int

const (
	Idle Status = iota
	Active
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// UnknownSize is the declared size of a stream whose length is only known
// at end-of-stream (HTTP multipart).
const UnknownSize int64 = -1

const defaultBufferSize = 4096

// armer is a watchdog that is only enforced while an upload is active.
type armer interface {
	Arm()
	Disarm()
}

// Invalidator drops caches derived from a path after it was written,
// renamed or deleted.
type Invalidator interface {
	InvalidatePath(p string)
}

type Options struct {
	// Channel names the owning channel in logs, metrics and history.
	Channel string
	// BufferSize is the flush threshold in bytes.
	BufferSize int
	// MaxSize caps the declared size; 0 disables the cap.
	MaxSize     int64
	Protector   *pathutil.Protector
	Invalidator Invalidator
	Watchdog    spibus.Watchdog
	Metrics     *metrics.Metrics
	History     *History
	Logger      *zap.Logger
}

// Session is one channel's upload slot. At most one upload is active per
// Session; starting another supersedes it.
type Session struct {
	mu    sync.Mutex
	store *fsops.Storage
	opts  Options
	log   *zap.Logger

	id       string
	status   Status
	last     Status
	target   string
	declared int64
	received int64
	buf      []byte
	owner    any
	file     *fsops.File
	started  time.Time
}

func NewSession(store *fsops.Storage, opts Options) *Session {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.Watchdog == nil {
		opts.Watchdog = spibus.NopWatchdog{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Session{
		store: store,
		opts:  opts,
		log:   opts.Logger,
		buf:   make([]byte, 0, opts.BufferSize),
	}
}

// Start validates target and declared, aborts any active upload, then opens
// target for writing. Validation failures leave the current upload alone.
func (s *Session) Start(target string, declared int64, owner any) error {
	p, err := s.validate(target, declared)
	if err != nil {
		s.opts.Metrics.Rejected(s.opts.Channel, KindValidation.String())
		s.log.Warn("upload rejected", zap.String("path", target), zap.Int64("size", declared), zap.Error(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == Active {
		s.log.Info("upload superseded", zap.String("id", s.id), zap.String("path", s.target))
		s.abortLocked("superseded")
	}

	f, err := s.store.Create(p)
	if err != nil {
		s.log.Error("open for write failed", zap.String("path", p), zap.Error(err))
		return newError(KindStorage, "failed to create file", err)
	}

	s.id = uuid.NewString()
	s.status = Active
	s.target = p
	s.declared = declared
	s.received = 0
	s.buf = s.buf[:0]
	s.owner = owner
	s.file = f
	s.started = time.Now()
	if a, ok := s.opts.Watchdog.(armer); ok {
		a.Arm()
	}
	s.opts.Metrics.SessionStarted(s.opts.Channel)
	s.log.Info("upload started",
		zap.String("id", s.id),
		zap.String("path", p),
		zap.Int64("size", declared))
	return nil
}

func (s *Session) validate(target string, declared int64) (string, error) {
	if err := pathutil.Check(target); err != nil {
		return "", &Error{Kind: KindValidation, Msg: "invalid path", Err: err}
	}
	p := pathutil.Normalize(target)
	if p == "/" {
		return "", Validation("invalid path")
	}
	if err := pathutil.CheckFilename(pathutil.Base(p)); err != nil {
		return "", &Error{Kind: KindValidation, Msg: "invalid filename", Err: err}
	}
	if s.opts.Protector.IsProtected(p) {
		return "", Validation(MsgProtected)
	}
	if declared == 0 || declared < UnknownSize {
		return "", Validation("invalid size")
	}
	if s.opts.MaxSize > 0 && declared > s.opts.MaxSize {
		return "", Validation("file too large")
	}
	return p, nil
}

// Ingest appends chunk to the upload. An empty chunk or one that would pass
// the declared size aborts the upload.
func (s *Session) Ingest(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Active {
		return newError(KindState, "no upload in progress", nil)
	}
	if len(chunk) == 0 {
		s.abortLocked("empty chunk")
		return newError(KindProtocol, "empty chunk", nil)
	}
	if s.declared != UnknownSize && s.received+int64(len(chunk)) > s.declared {
		s.abortLocked("size overflow")
		return newError(KindProtocol, "chunk exceeds declared size",
			fmt.Errorf("%d+%d > %d", s.received, len(chunk), s.declared))
	}

	rest := chunk
	for len(rest) > 0 {
		n := copy(s.buf[len(s.buf):cap(s.buf)], rest)
		s.buf = s.buf[:len(s.buf)+n]
		rest = rest[n:]
		if len(s.buf) == cap(s.buf) {
			if err := s.flushLocked(); err != nil {
				s.log.Error("write failed", zap.String("id", s.id), zap.String("path", s.target), zap.Error(err))
				s.abortLocked("write failed")
				return newError(KindStorage, "write failed", err)
			}
		}
	}
	s.received += int64(len(chunk))
	s.opts.Metrics.Ingested(s.opts.Channel, len(chunk))
	s.opts.Watchdog.Feed()
	return nil
}

func (s *Session) flushLocked() error {
	if len(s.buf) == 0 {
		return nil
	}
	_, err := s.file.Write(s.buf)
	s.buf = s.buf[:0]
	s.opts.Watchdog.Feed()
	return err
}

// Commit flushes and closes the file. With a known declared size every byte
// must have arrived; an incomplete upload stays active and the caller decides.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Active {
		return newError(KindState, "no upload in progress", nil)
	}
	if s.declared != UnknownSize && s.received != s.declared {
		return newError(KindProtocol, "incomplete upload",
			fmt.Errorf("received %d of %d", s.received, s.declared))
	}
	if err := s.flushLocked(); err != nil {
		s.log.Error("final flush failed", zap.String("id", s.id), zap.Error(err))
		s.abortLocked("write failed")
		return newError(KindStorage, "write failed", err)
	}
	f := s.file
	s.file = nil
	if err := f.Close(); err != nil {
		s.file = f
		s.log.Error("close failed", zap.String("id", s.id), zap.Error(err))
		s.abortLocked("close failed")
		return newError(KindStorage, "write failed", err)
	}
	if s.opts.Invalidator != nil {
		s.opts.Invalidator.InvalidatePath(s.target)
	}
	s.log.Info("upload committed",
		zap.String("id", s.id),
		zap.String("path", s.target),
		zap.Int64("bytes", s.received),
		zap.Duration("took", time.Since(s.started)))
	s.finishLocked(Committed, "")
	return nil
}

// Abort discards the upload and deletes the partial file. Cleanup failures
// are logged only. Aborting an inactive session is a no-op.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(reason)
}

func (s *Session) abortLocked(reason string) {
	if s.status != Active {
		return
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.log.Warn("close on abort failed", zap.String("id", s.id), zap.Error(err))
		}
		s.file = nil
	}
	if err := s.store.Remove(s.target); err != nil && !errors.Is(err, fsops.ErrNotFound) {
		s.log.Warn("partial file not removed", zap.String("path", s.target), zap.Error(err))
	}
	s.buf = s.buf[:0]
	s.log.Info("upload aborted",
		zap.String("id", s.id),
		zap.String("path", s.target),
		zap.String("reason", reason),
		zap.Int64("received", s.received))
	s.finishLocked(Aborted, reason)
}

// finishLocked records the outcome and returns the session to Idle.
func (s *Session) finishLocked(result Status, reason string) {
	if a, ok := s.opts.Watchdog.(armer); ok {
		a.Disarm()
	}
	s.opts.Metrics.SessionFinished(s.opts.Channel, result.String(), s.received)
	s.opts.History.Add(Summary{
		ID:       s.id,
		Channel:  s.opts.Channel,
		Path:     s.target,
		Bytes:    s.received,
		Result:   result.String(),
		Reason:   reason,
		Started:  s.started,
		Finished: time.Now(),
	})
	s.last = result
	s.idleLocked()
}

func (s *Session) idleLocked() {
	s.status = Idle
	s.owner = nil
	s.target = ""
	s.declared = 0
	s.received = 0
	s.id = ""
	s.file = nil
	s.buf = s.buf[:0]
}

// Reset aborts an active upload and returns the session to Idle.
func (s *Session) Reset(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(reason)
	s.idleLocked()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Active() bool { return s.Status() == Active }

// Last is the outcome of the most recent upload: Committed, Aborted, or Idle
// if none has finished yet.
func (s *Session) Last() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// OwnedBy reports whether the active upload belongs to owner.
func (s *Session) OwnedBy(owner any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == Active && s.owner == owner
}

// Owner returns the owner of the active upload, or nil.
func (s *Session) Owner() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Active {
		return nil
	}
	return s.owner
}

// Progress is a point-in-time view of the session.
type Progress struct {
	ID       string    `json:"id,omitempty"`
	Channel  string    `json:"channel"`
	Status   string    `json:"status"`
	Path     string    `json:"path,omitempty"`
	Received int64     `json:"received"`
	Declared int64     `json:"declared"`
	Started  time.Time `json:"started,omitempty"`
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		ID:       s.id,
		Channel:  s.opts.Channel,
		Status:   s.status.String(),
		Path:     s.target,
		Received: s.received,
		Declared: s.declared,
		Started:  s.started,
	}
}
