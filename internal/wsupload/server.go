package wsupload

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultMaxFrame = 256 * 1024
	writeTimeout    = 5 * time.Second
	eventQueue      = 64
)

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evText
	evBinary
)

type event struct {
	kind eventKind
	conn *conn
	data []byte
}

// conn is a connected client. Only the event loop writes to it.
type conn struct {
	id uint64
	ws *websocket.Conn
}

func (c *conn) ID() uint64 { return c.id }

func (c *conn) SendText(msg string) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Server accepts WebSocket connections and delivers their events to a
// Handler from the goroutine running Run, one event at a time.
type Server struct {
	h        Handler
	log      *zap.Logger
	upgrader websocket.Upgrader
	maxFrame int64

	nextID atomic.Uint64
	events chan event
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a server for h. maxFrame limits incoming message size
// (0 selects 256 KiB).
func NewServer(h Handler, maxFrame int64, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrame
	}
	return &Server{
		h:   h,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		maxFrame: maxFrame,
		events:   make(chan event, eventQueue),
		done:     make(chan struct{}),
		conns:    make(map[*conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(s.maxFrame)
	c := &conn{id: s.nextID.Add(1), ws: ws}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	s.log.Debug("connected", zap.Uint64("client", c.id), zap.String("remote", r.RemoteAddr))
	if !s.post(event{kind: evConnect, conn: c}) {
		return
	}
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			s.post(event{kind: evDisconnect, conn: c})
			return
		}
		kind := evBinary
		if mt == websocket.TextMessage {
			kind = evText
		}
		if !s.post(event{kind: kind, conn: c, data: data}) {
			return
		}
	}
}

func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Run dispatches events until ctx is cancelled, then closes every
// connection.
func (s *Server) Run(ctx context.Context) error {
	defer s.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev event) {
	switch ev.kind {
	case evConnect:
		s.h.OnConnect(ev.conn)
	case evDisconnect:
		s.h.OnDisconnect(ev.conn)
	case evText:
		s.h.OnText(ev.conn, ev.data)
	case evBinary:
		s.h.OnBinary(ev.conn, ev.data)
	}
}

func (s *Server) shutdown() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	}
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
