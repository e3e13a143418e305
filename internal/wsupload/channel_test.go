package wsupload

import (
	"bytes"
	"strings"
	"testing"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/spibus"
	"crosspoint-transfer/internal/transfer"
)

type fakeClient struct {
	id   uint64
	msgs []string
}

func (f *fakeClient) ID() uint64 { return f.id }

func (f *fakeClient) SendText(msg string) error {
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeClient) last() string {
	if len(f.msgs) == 0 {
		return ""
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeClient) count(prefix string) int {
	n := 0
	for _, m := range f.msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

type fixture struct {
	store   *fsops.Storage
	session *transfer.Session
	ch      *Channel
	done    []string
}

func newFixture(t *testing.T, maxSize int64, checkFree bool) *fixture {
	t.Helper()
	store, err := fsops.New(t.TempDir(), spibus.New())
	if err != nil {
		t.Fatal(err)
	}
	hist := transfer.NewHistory(8)
	sess := transfer.NewSession(store, transfer.Options{
		Channel:   ChannelName,
		MaxSize:   maxSize,
		Protector: pathutil.NewProtector(nil, true),
		History:   hist,
	})
	f := &fixture{store: store, session: sess}
	f.ch = New(Options{
		Session:          sess,
		Store:            store,
		History:          hist,
		CheckFreeSpace:   checkFree,
		OnUploadComplete: func(p string) { f.done = append(f.done, p) },
	})
	return f
}

func TestUploadReportScenario(t *testing.T) {
	f := newFixture(t, 512<<20, false)
	c := &fakeClient{id: 1}
	f.ch.OnConnect(c)
	f.ch.OnText(c, []byte("START:report.txt:1024:/"))
	if c.last() != "READY" {
		t.Fatalf("START reply = %q", c.last())
	}
	data := bytes.Repeat([]byte("r"), 1024)
	for i := 0; i < 4; i++ {
		f.ch.OnBinary(c, data[i*256:(i+1)*256])
	}
	if c.count("PROGRESS:") < 1 || c.last() != "DONE" {
		t.Fatalf("messages = %v", c.msgs)
	}
	got, err := f.store.ReadFile("/report.txt")
	if err != nil || len(got) != 1024 {
		t.Fatalf("report.txt = %d bytes, %v", len(got), err)
	}
	st := f.ch.Status()
	if st.InProgress || st.LastCompleteName != "report.txt" || st.LastCompleteSize != 1024 {
		t.Errorf("Status() = %+v", st)
	}
	if len(f.done) != 1 || f.done[0] != "/report.txt" {
		t.Errorf("completion hook = %v", f.done)
	}
}

func TestProgressCadence(t *testing.T) {
	f := newFixture(t, 0, false)
	c := &fakeClient{id: 1}
	f.ch.OnText(c, []byte("START:big.bin:200000:%2Fdata"))
	chunk := make([]byte, 16384)
	sent := 0
	for sent < 200000 {
		n := len(chunk)
		if 200000-sent < n {
			n = 200000 - sent
		}
		f.ch.OnBinary(c, chunk[:n])
		sent += n
		if sent == 16384 {
			st := f.ch.Status()
			if !st.InProgress || st.Received != 16384 || st.Total != 200000 || st.Filename != "big.bin" {
				t.Fatalf("mid-upload Status() = %+v", st)
			}
		}
	}
	if got := c.count("PROGRESS:"); got != 4 {
		t.Errorf("PROGRESS count = %d, want 4 (%v)", got, c.msgs)
	}
	if c.msgs[len(c.msgs)-2] != "PROGRESS:200000:200000" || c.last() != "DONE" {
		t.Errorf("tail = %v", c.msgs[len(c.msgs)-2:])
	}
	if !f.store.Exists("/data/big.bin") {
		t.Errorf("file not stored under folder")
	}
}

func TestStartRejected(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"START:bad", "ERROR:Invalid START format"},
		{"START::10:/", "ERROR:Invalid START format"},
		{"START:a.txt:0:/", "ERROR:Invalid size"},
		{"START:a.txt:-5:/", "ERROR:Invalid size"},
		{"START:a.txt:12x:/", "ERROR:Invalid size"},
		{"START:a.txt::/", "ERROR:Invalid size"},
		{"START:a.txt:99999999999999999999:/", "ERROR:Invalid size"},
		{"START:a.txt:600000000:/", "ERROR:File too large"},
		{"START:a%2Fb.txt:10:/", "ERROR:Invalid filename"},
		{"START:a.txt:10:/..%2F", "ERROR:Invalid path"},
		{"START:a.txt:10:/books\\x", "ERROR:Invalid path"},
		{"START:a.txt:10:/.crosspoint", "ERROR:Protected path"},
		{"HELLO", "ERROR:Unknown command"},
		{"START:a\x00.txt:10:/", "ERROR:Invalid message"},
		{"START:" + strings.Repeat("a", 1100) + ":10:/", "ERROR:Message too long"},
	}
	for _, tc := range tests {
		f := newFixture(t, 512<<20, false)
		c := &fakeClient{id: 1}
		f.ch.OnText(c, []byte(tc.msg))
		if c.last() != tc.want {
			t.Errorf("OnText(%.40q) = %q, want %q", tc.msg, c.last(), tc.want)
		}
		if f.session.Active() {
			t.Errorf("OnText(%.40q) left an active session", tc.msg)
		}
	}
}

func TestFreeSpaceCheck(t *testing.T) {
	f := newFixture(t, 0, true)
	c := &fakeClient{id: 1}
	f.ch.OnText(c, []byte("START:huge.bin:4611686018427387904:/"))
	if c.last() != "ERROR:Not enough free space" {
		t.Fatalf("reply = %q", c.last())
	}
	if f.store.Exists("/huge.bin") {
		t.Errorf("file created despite rejection")
	}
}

func TestSupersedeDeletesPartial(t *testing.T) {
	f := newFixture(t, 0, false)
	a := &fakeClient{id: 1}
	b := &fakeClient{id: 2}
	f.ch.OnText(a, []byte("START:x.txt:100:/"))
	f.ch.OnBinary(a, make([]byte, 10))

	f.ch.OnText(b, []byte("START:y.txt:5:/"))
	if a.last() != "ERROR:Upload superseded" {
		t.Errorf("old owner got %q", a.last())
	}
	if b.last() != "READY" {
		t.Fatalf("new owner got %q", b.last())
	}
	if f.store.Exists("/x.txt") {
		t.Errorf("superseded partial file still present")
	}

	f.ch.OnBinary(a, make([]byte, 5))
	if a.last() != "ERROR:Not upload owner" {
		t.Errorf("old owner chunk reply = %q", a.last())
	}
	if p := f.session.Progress(); p.Received != 0 {
		t.Errorf("non-owner chunk changed received to %d", p.Received)
	}
	f.ch.OnBinary(b, []byte("hello"))
	if b.last() != "DONE" {
		t.Errorf("new owner final reply = %q", b.last())
	}
}

func TestInvalidStartKeepsUpload(t *testing.T) {
	f := newFixture(t, 0, false)
	a := &fakeClient{id: 1}
	b := &fakeClient{id: 2}
	f.ch.OnText(a, []byte("START:x.txt:100:/"))
	f.ch.OnBinary(a, make([]byte, 10))

	f.ch.OnText(b, []byte("START:../evil:10:/"))
	if !strings.HasPrefix(b.last(), "ERROR:") {
		t.Fatalf("reply = %q", b.last())
	}
	if !f.session.OwnedBy(a) || f.session.Progress().Received != 10 {
		t.Errorf("invalid START disturbed the active upload")
	}
	if a.count("ERROR:") != 0 {
		t.Errorf("owner got %v", a.msgs)
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, 0, false)
	a := &fakeClient{id: 1}
	b := &fakeClient{id: 2}
	f.ch.OnText(a, []byte("START:x.txt:100:/"))
	f.ch.OnBinary(a, make([]byte, 10))

	f.ch.OnDisconnect(b)
	if !f.session.Active() {
		t.Fatalf("non-owner disconnect aborted the upload")
	}
	f.ch.OnDisconnect(a)
	if f.session.Active() {
		t.Fatalf("owner disconnect left the upload active")
	}
	if f.store.Exists("/x.txt") {
		t.Errorf("partial file left behind")
	}
}

func TestBadFramesAbort(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  string
	}{
		{"overflow", make([]byte, 11), "ERROR:Chunk exceeds declared size"},
		{"empty", []byte{}, "ERROR:Empty chunk"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, 0, false)
			c := &fakeClient{id: 1}
			f.ch.OnText(c, []byte("START:x.txt:10:/"))
			f.ch.OnBinary(c, tc.frame)
			if c.last() != tc.want {
				t.Fatalf("reply = %q, want %q", c.last(), tc.want)
			}
			if f.session.Status() != transfer.Idle || f.session.Last() != transfer.Aborted || f.store.Exists("/x.txt") {
				t.Errorf("session %v last %v, file exists %v", f.session.Status(), f.session.Last(), f.store.Exists("/x.txt"))
			}
			f.ch.OnBinary(c, []byte("x"))
			if c.last() != "ERROR:No upload in progress" {
				t.Errorf("after abort: %q", c.last())
			}
		})
	}
}
