package wsupload

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		t.Fatalf("message type %d, want text", mt)
	}
	return string(data)
}

func startServer(t *testing.T, f *fixture) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(f.ch, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(stopped)
	}()
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		cancel()
		<-stopped
		ts.Close()
	})
	return srv, ts
}

func TestServerUpload(t *testing.T) {
	f := newFixture(t, 0, false)
	_, ts := startServer(t, f)
	ws := dial(t, ts.URL)
	defer ws.Close()

	if err := ws.WriteMessage(websocket.TextMessage, []byte("START:report.txt:1024:/")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, ws); got != "READY" {
		t.Fatalf("START reply = %q", got)
	}
	payload := make([]byte, 512)
	for i := 0; i < 2; i++ {
		if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			t.Fatal(err)
		}
	}
	var progress int
	for {
		msg := readText(t, ws)
		if strings.HasPrefix(msg, "PROGRESS:") {
			progress++
			continue
		}
		if msg != "DONE" {
			t.Fatalf("unexpected %q", msg)
		}
		break
	}
	if progress == 0 {
		t.Errorf("no PROGRESS before DONE")
	}
	st, err := f.store.Stat("/report.txt")
	if err != nil || st.Size != 1024 {
		t.Errorf("report.txt stat = %+v, %v", st, err)
	}
}

func TestServerOwnerDisconnectAborts(t *testing.T) {
	f := newFixture(t, 0, false)
	srv, ts := startServer(t, f)
	ws := dial(t, ts.URL)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("START:part.bin:4096:/")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, ws); got != "READY" {
		t.Fatalf("START reply = %q", got)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for f.session.Active() || srv.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("upload still active after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if f.store.Exists("/part.bin") {
		t.Errorf("partial file left behind")
	}
}

func TestServerShutdownClosesClients(t *testing.T) {
	f := newFixture(t, 0, false)
	srv := NewServer(f.ch, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- srv.Run(ctx) }()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ws := dial(t, ts.URL)
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
		t.Fatal(err)
	}
	if got := readText(t, ws); got != "ERROR:Unknown command" {
		t.Fatalf("reply = %q", got)
	}

	cancel()
	if err := <-stopped; err != nil {
		t.Fatalf("Run() = %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
}
