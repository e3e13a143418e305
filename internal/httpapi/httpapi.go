// Package httpapi is the device's web interface: file manager pages, the
// JSON API and the multipart upload / streamed download endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
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
const ChannelName = "http"

const (
	defaultChunkSize = 1024
	maxArgsBody      = 64 * 1024
	progressLogStep  = 100 * 1024
)

// CoverLocator resolves the cover image of a document.
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

	// ChunkSize is the download read size.
	ChunkSize int
	// Status builds the /api/status document.
	Status func() any
	// OnUploadComplete runs after an upload was committed.
	OnUploadComplete func(path string)
}

// Channel serves the HTTP transfer API. Uploads run one at a time.
type Channel struct {
	opts       Options
	files      *files.Manager
	session    *transfer.Session
	log        *zap.Logger
	wd         spibus.Watchdog
	uploadSlot chan struct{}
	started    time.Time
}

func New(opts Options) *Channel {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Watchdog == nil {
		opts.Watchdog = spibus.NopWatchdog{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Channel{
		opts:       opts,
		files:      opts.Files,
		session:    opts.Session,
		log:        opts.Logger,
		wd:         opts.Watchdog,
		uploadSlot: make(chan struct{}, 1),
		started:    time.Now(),
	}
}

type route struct {
	pattern string
	handle  func(*Channel, http.ResponseWriter, *http.Request)
}

var routes = []route{
	{"GET /{$}", (*Channel).handleRoot},
	{"GET /files", (*Channel).handleFilesPage},
	{"GET /api/status", (*Channel).handleStatus},
	{"GET /api/files", (*Channel).handleFileList},
	{"GET /api/recent", (*Channel).handleRecent},
	{"GET /api/cover", (*Channel).handleCover},
	{"GET /api/settings", (*Channel).handleGetSettings},
	{"POST /api/settings", (*Channel).handlePostSettings},
	{"POST /api/wifi/connect", (*Channel).handleWifiConnect},
	{"POST /api/wifi/forget", (*Channel).handleWifiForget},
	{"GET /download", (*Channel).handleDownload},
	{"POST /upload", (*Channel).handleUpload},
	{"POST /mkdir", (*Channel).handleMkdir},
	{"POST /rename", (*Channel).handleRename},
	{"POST /move", (*Channel).handleMove},
	{"POST /delete", (*Channel).handleDelete},
}

// Handler returns the route table as an http.Handler.
func (c *Channel) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range routes {
		h := rt.handle
		mux.Handle(rt.pattern, c.instrument(rt.pattern, func(w http.ResponseWriter, r *http.Request) {
			h(c, w, r)
		}))
	}
	if c.opts.Metrics != nil {
		mux.Handle("GET /metrics", c.opts.Metrics.Handler())
	}
	mux.Handle("/", c.instrument("notfound", c.handleNotFound))
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (c *Channel) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		d := time.Since(start)
		c.opts.Metrics.Request(route, rec.status, d)
		c.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("remote", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("took", d))
	})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError sends the client message of a files.Error with its status.
func writeError(w http.ResponseWriter, err error) {
	writeText(w, files.StatusOf(err), files.MessageOf(err))
}

// args are request parameters from a form body, the query string or a JSON
// object body. Older clients send forms, newer ones JSON.
type args map[string]any

var errNoBody = errors.New("missing body")

func readArgs(r *http.Request) (args, error) {
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		return readJSONObject(r)
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	a := args{}
	for k, v := range r.Form {
		if len(v) > 0 {
			a[k] = v[0]
		}
	}
	return a, nil
}

func readJSONObject(r *http.Request) (args, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxArgsBody))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errNoBody
	}
	a := args{}
	if err := json.Unmarshal(body, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (a args) str(key string) string {
	v, _ := a[key].(string)
	return v
}

// first returns the first non-empty string among keys.
func (a args) first(keys ...string) string {
	for _, k := range keys {
		if v := a.str(k); v != "" {
			return v
		}
	}
	return ""
}

// list returns key as a string list. Form posts carry it as a JSON array
// encoded in a single field.
func (a args) list(key string) ([]string, bool) {
	raw, ok := a[key]
	if !ok {
		return nil, false
	}
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case string:
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
