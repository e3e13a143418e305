package usbserial

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"crosspoint-transfer/internal/files"
	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/library"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/spibus"
	"crosspoint-transfer/internal/transfer"
)

type coverMap map[string]string

func (m coverMap) CoverFor(doc string) (string, bool) {
	c, ok := m[doc]
	return c, ok
}

type fixture struct {
	store    *fsops.Storage
	session  *transfer.Session
	recent   *library.RecentStore
	settings *library.Settings
	wifi     *library.WifiStore
	out      *bytes.Buffer
	p        *Protocol
	done     []string
}

func newFixture(t *testing.T, tweak func(*Options)) *fixture {
	t.Helper()
	store, err := fsops.New(t.TempDir(), spibus.New())
	if err != nil {
		t.Fatal(err)
	}
	prot := pathutil.NewProtector([]string{"System Volume Information"}, true)
	f := &fixture{
		store: store,
		session: transfer.NewSession(store, transfer.Options{
			Channel:   ChannelName,
			MaxSize:   1 << 20,
			Protector: prot,
		}),
		recent:   library.NewRecentStore(store, ".crosspoint"),
		settings: library.NewSettings(store, ".crosspoint"),
		wifi:     library.NewWifiStore(store, ".crosspoint"),
		out:      &bytes.Buffer{},
	}
	opts := Options{
		Files:            files.NewManager(store, prot, nil, nil, nil),
		Session:          f.session,
		Recent:           f.recent,
		Settings:         f.settings,
		Wifi:             f.wifi,
		Covers:           coverMap{"/books/a.epub": "/.crosspoint/cache/a/cover.bmp"},
		OnUploadComplete: func(p string) { f.done = append(f.done, p) },
	}
	if tweak != nil {
		tweak(&opts)
	}
	f.p = New(f.out, opts)
	return f
}

// exec feeds line plus a newline, handles exactly one command and returns
// the reply lines.
func (f *fixture) exec(t *testing.T, line string) []string {
	t.Helper()
	f.out.Reset()
	f.p.Feed([]byte(line + "\n"))
	if !f.p.Poll() {
		t.Fatalf("Poll() handled nothing for %q", line)
	}
	return strings.Split(strings.TrimSuffix(f.out.String(), "\n"), "\n")
}

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("reply %q is not JSON: %v", line, err)
	}
	return m
}

func wantError(t *testing.T, lines []string, msg string) {
	t.Helper()
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), lines)
	}
	m := decode(t, lines[0])
	if m["ok"] != false || m["error"] != msg {
		t.Fatalf("reply = %s, want error %q", lines[0], msg)
	}
}

func TestUploadScenario(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.exec(t, `{"cmd":"upload_start","name":"x.epub","path":"/books","size":100}`); got[0] != `{"ok":true}` {
		t.Fatalf("upload_start = %q", got)
	}
	data := bytes.Repeat([]byte{0xA5}, 100)
	got := f.exec(t, `{"cmd":"upload_chunk","data":"`+base64.StdEncoding.EncodeToString(data)+`"}`)
	if m := decode(t, got[0]); m["ok"] != true || m["received"] != float64(100) {
		t.Fatalf("upload_chunk = %q", got)
	}
	got = f.exec(t, `{"cmd":"upload_done"}`)
	if m := decode(t, got[0]); m["ok"] != true || m["size"] != float64(100) {
		t.Fatalf("upload_done = %q", got)
	}
	stored, err := f.store.ReadFile("/books/x.epub")
	if err != nil || !bytes.Equal(stored, data) {
		t.Fatalf("stored %d bytes, %v", len(stored), err)
	}
	if f.session.Status() != transfer.Idle || f.session.Last() != transfer.Committed || f.session.Owner() != nil {
		t.Errorf("after upload_done status %v last %v", f.session.Status(), f.session.Last())
	}
	if len(f.done) != 1 || f.done[0] != "/books/x.epub" {
		t.Errorf("completion hook = %v", f.done)
	}
}

func TestUploadRejects(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"zero size", `{"cmd":"upload_start","name":"a.txt","size":0}`, "invalid size"},
		{"negative size", `{"cmd":"upload_start","name":"a.txt","size":-1}`, "invalid size"},
		{"float size", `{"cmd":"upload_start","name":"a.txt","size":1.5}`, "invalid size"},
		{"missing size", `{"cmd":"upload_start","name":"a.txt"}`, "invalid size"},
		{"too large", `{"cmd":"upload_start","name":"a.txt","size":2097152}`, "file too large"},
		{"bad name", `{"cmd":"upload_start","name":"../a.txt","size":5}`, "invalid filename"},
		{"traversal", `{"cmd":"upload_start","name":"a.txt","path":"/books/../..","size":5}`, "invalid path"},
		{"protected", `{"cmd":"upload_start","name":"a.txt","path":"/.crosspoint","size":5}`, "cannot access protected items"},
		{"protected encoded", `{"cmd":"upload_start","name":"a.txt","path":"/%2Ecrosspoint","size":5}`, "cannot access protected items"},
		{"protected name", `{"cmd":"upload_start","name":"System Volume Information","size":5}`, "cannot access protected items"},
		{"encoded traversal", `{"cmd":"upload_start","name":"a.txt","path":"/books/%2E%2E","size":5}`, "invalid path"},
		{"no session chunk", `{"cmd":"upload_chunk","data":"AAAA"}`, "no upload in progress"},
		{"no session done", `{"cmd":"upload_done"}`, "no upload in progress"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			wantError(t, f.exec(t, tc.line), tc.want)
			if f.session.Active() {
				t.Errorf("session active after rejection")
			}
		})
	}
}

func TestUploadPathDecoded(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.exec(t, `{"cmd":"upload_start","name":"x.txt","path":"/my%20books","size":3}`); got[0] != `{"ok":true}` {
		t.Fatalf("upload_start = %q", got)
	}
	f.exec(t, `{"cmd":"upload_chunk","data":"`+base64.StdEncoding.EncodeToString([]byte("abc"))+`"}`)
	if got := f.exec(t, `{"cmd":"upload_done"}`); decode(t, got[0])["ok"] != true {
		t.Fatalf("upload_done = %q", got)
	}
	if !f.store.Exists("/my books/x.txt") || f.store.Exists("/my%20books/x.txt") {
		t.Fatalf("upload not stored under the decoded path")
	}
	got := f.exec(t, `{"cmd":"download","path":"/my%20books/x.txt"}`)
	if m := decode(t, got[0]); m["ok"] != true || m["size"] != float64(3) {
		t.Errorf("download = %q", got)
	}
}

func TestStringSizeAccepted(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.exec(t, `{"cmd":"upload_start","name":"a.txt","size":"3"}`); got[0] != `{"ok":true}` {
		t.Fatalf("upload_start = %q", got)
	}
}

func TestChunkFailuresAbort(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"oversized", strings.Repeat("A", 516), "chunk too large"},
		{"bad base64", "!!!!", "base64 decode failed"},
		{"empty", "", "empty chunk"},
		{"overflow", base64.StdEncoding.EncodeToString(make([]byte, 11)), "chunk exceeds declared size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.exec(t, `{"cmd":"upload_start","name":"a.bin","size":10}`)
			wantError(t, f.exec(t, `{"cmd":"upload_chunk","data":"`+tc.data+`"}`), tc.want)
			if f.session.Active() || f.store.Exists("/a.bin") {
				t.Errorf("upload not aborted")
			}
		})
	}
}

func TestChunkAtLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, `{"cmd":"upload_start","name":"a.bin","size":384}`)
	data := base64.StdEncoding.EncodeToString(make([]byte, 384))
	if len(data) != 512 {
		t.Fatalf("test data is %d chars", len(data))
	}
	got := f.exec(t, `{"cmd":"upload_chunk","data":"`+data+`"}`)
	if m := decode(t, got[0]); m["received"] != float64(384) {
		t.Fatalf("upload_chunk = %q", got)
	}
}

func TestUploadDoneIncomplete(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, `{"cmd":"upload_start","name":"a.bin","size":10}`)
	f.exec(t, `{"cmd":"upload_chunk","data":"`+base64.StdEncoding.EncodeToString([]byte("abc"))+`"}`)
	wantError(t, f.exec(t, `{"cmd":"upload_done"}`), "incomplete upload")
	if f.session.Active() || f.store.Exists("/a.bin") {
		t.Errorf("incomplete upload left behind")
	}
}

func TestUploadStartClosesPrevious(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, `{"cmd":"upload_start","name":"first.bin","size":10}`)
	f.exec(t, `{"cmd":"upload_chunk","data":"`+base64.StdEncoding.EncodeToString([]byte("abc"))+`"}`)
	if got := f.exec(t, `{"cmd":"upload_start","name":"second.bin","size":2}`); got[0] != `{"ok":true}` {
		t.Fatalf("second upload_start = %q", got)
	}
	if f.store.Exists("/first.bin") {
		t.Errorf("previous partial file not removed")
	}
	if p := f.session.Progress(); p.Path != "/second.bin" || p.Received != 0 {
		t.Errorf("progress = %+v", p)
	}
}

func TestDownloadFraming(t *testing.T) {
	f := newFixture(t, nil)
	content := make([]byte, 1300)
	for i := range content {
		content[i] = byte(i)
	}
	if err := f.store.WriteFile("/books/b.epub", content); err != nil {
		t.Fatal(err)
	}
	lines := f.exec(t, `{"cmd":"download","path":"/books/b.epub"}`)
	if lines[0] != `{"ok":true,"size":1300}` {
		t.Fatalf("header = %q", lines[0])
	}
	if lines[len(lines)-1] != `{"ok":true,"done":true}` {
		t.Fatalf("trailer = %q", lines[len(lines)-1])
	}
	var got []byte
	for _, l := range lines[1 : len(lines)-1] {
		var d struct{ Data string }
		if err := json.Unmarshal([]byte(l), &d); err != nil {
			t.Fatalf("data line %q: %v", l, err)
		}
		if len(d.Data) > 780 {
			t.Errorf("data line carries %d chars", len(d.Data))
		}
		raw, err := base64.StdEncoding.DecodeString(d.Data)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, raw...)
	}
	if len(lines) != 5 || !bytes.Equal(got, content) {
		t.Errorf("%d lines, %d bytes decoded", len(lines), len(got))
	}
}

func TestDownloadErrors(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.store.Mkdir("/books"); err != nil {
		t.Fatal(err)
	}
	wantError(t, f.exec(t, `{"cmd":"download"}`), "missing path")
	wantError(t, f.exec(t, `{"cmd":"download","path":"/../etc/passwd"}`), "invalid path")
	wantError(t, f.exec(t, `{"cmd":"download","path":"/nope.epub"}`), "item not found")
	wantError(t, f.exec(t, `{"cmd":"download","path":"/books"}`), "path is a directory")
}

func TestCover(t *testing.T) {
	f := newFixture(t, nil)
	wantError(t, f.exec(t, `{"cmd":"cover","path":"/books/a.epub"}`), "cover file not found")
	wantError(t, f.exec(t, `{"cmd":"cover","path":"/books/other.epub"}`), "no cover available")
	if err := f.store.WriteFile("/.crosspoint/cache/a/cover.bmp", []byte("BMxx")); err != nil {
		t.Fatal(err)
	}
	lines := f.exec(t, `{"cmd":"cover","path":"/books/a.epub"}`)
	if len(lines) != 3 || lines[1] != `{"data":"Qk14eA=="}` {
		t.Errorf("cover = %q", lines)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, nil)
	for _, p := range []string{"/books/a.epub", "/books/.hidden", "/books/System Volume Information/x"} {
		if err := f.store.WriteFile(p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.store.Mkdir("/books/sub"); err != nil {
		t.Fatal(err)
	}
	lines := f.exec(t, `{"cmd":"list","path":"/books"}`)
	var resp struct {
		OK    bool
		Files []files.Entry
	}
	if err := json.Unmarshal([]byte(strings.Join(lines, "")), &resp); err != nil {
		t.Fatalf("list reply %q: %v", lines, err)
	}
	names := map[string]bool{}
	for _, e := range resp.Files {
		names[e.Name] = e.IsDirectory
	}
	if !resp.OK || len(names) != 2 || names["a.epub"] || !names["sub"] {
		t.Errorf("list = %+v", resp)
	}

	if got := f.exec(t, `{"cmd":"list","path":"/books/sub"}`); got[0] != `{"ok":true,"files":[]}` {
		t.Errorf("empty list = %q", got)
	}
	wantError(t, f.exec(t, `{"cmd":"list","path":"/missing"}`), "directory not found")
	wantError(t, f.exec(t, `{"cmd":"list","path":"/books/a.epub"}`), "not a directory")
	wantError(t, f.exec(t, `{"cmd":"list","path":"/.crosspoint"}`), "cannot access protected items")
}

func TestFileCommands(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.store.WriteFile("/a.txt", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if got := f.exec(t, `{"cmd":"mkdir","path":"/books"}`); got[0] != `{"ok":true}` {
		t.Fatalf("mkdir = %q", got)
	}
	wantError(t, f.exec(t, `{"cmd":"mkdir","path":"/books"}`), "folder already exists")

	got := f.exec(t, `{"cmd":"rename","path":"/a.txt","name":"b.txt"}`)
	if m := decode(t, got[0]); m["ok"] != true || m["path"] != "/b.txt" {
		t.Fatalf("rename = %q", got)
	}
	wantError(t, f.exec(t, `{"cmd":"rename","path":"/b.txt"}`), "missing path or new name")

	got = f.exec(t, `{"cmd":"move","path":"/b.txt","dest":"/books"}`)
	if m := decode(t, got[0]); m["ok"] != true || m["path"] != "/books/b.txt" {
		t.Fatalf("move = %q", got)
	}

	wantError(t, f.exec(t, `{"cmd":"delete","path":"/books"}`), "folder is not empty. delete contents first.")
	if got := f.exec(t, `{"cmd":"delete","path":"/books/b.txt"}`); got[0] != `{"ok":true}` {
		t.Fatalf("delete = %q", got)
	}
	wantError(t, f.exec(t, `{"cmd":"delete","path":"/books/b.txt"}`), "item not found")
	wantError(t, f.exec(t, `{"cmd":"delete","path":"/../x"}`), "invalid path")
}

func TestSettingsRecentWifi(t *testing.T) {
	f := newFixture(t, nil)
	if got := f.exec(t, `{"cmd":"settings_set","settings":{"fontSize":2,"darkMode":true}}`); got[0] != `{"ok":true}` {
		t.Fatalf("settings_set = %q", got)
	}
	got := f.exec(t, `{"cmd":"settings_get"}`)
	var s struct {
		OK       bool
		Settings map[string]any
	}
	if err := json.Unmarshal([]byte(got[0]), &s); err != nil || s.Settings["fontSize"] != float64(2) || s.Settings["darkMode"] != true {
		t.Fatalf("settings_get = %q (%v)", got, err)
	}
	wantError(t, f.exec(t, `{"cmd":"settings_set"}`), "missing settings")
	wantError(t, f.exec(t, `{"cmd":"set_settings","settings":{"x":{"nested":1}}}`), "settings save failed")

	if err := f.recent.Touch(library.Book{Path: "/books/a.epub", Title: "A", Author: "Ann"}); err != nil {
		t.Fatal(err)
	}
	got = f.exec(t, `{"cmd":"recent"}`)
	if got[0] != `{"ok":true,"recent":[{"path":"/books/a.epub","title":"A","author":"Ann"}]}` {
		t.Errorf("recent = %q", got)
	}

	wantError(t, f.exec(t, `{"cmd":"wifi_connect","password":"x"}`), "ssid required")
	if got := f.exec(t, `{"cmd":"wifi_connect","ssid":"home","password":"secret"}`); got[0] != `{"ok":true}` {
		t.Fatalf("wifi_connect = %q", got)
	}
	if ssids := f.wifi.SSIDs(); len(ssids) != 1 || ssids[0] != "home" {
		t.Errorf("SSIDs() = %v", ssids)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Status = func() map[string]any {
			return map[string]any{"openBook": "/books/a.epub", "freeBytes": 42}
		}
	})
	f.exec(t, `{"cmd":"upload_start","name":"a.bin","size":10}`)
	m := decode(t, f.exec(t, `{"cmd":"status"}`)[0])
	if m["ok"] != true || m["openBook"] != "/books/a.epub" || m["version"] == "" {
		t.Errorf("status = %v", m)
	}
	up, ok := m["upload"].(map[string]any)
	if !ok || up["path"] != "/a.bin" || up["declared"] != float64(10) {
		t.Errorf("status upload = %v", m["upload"])
	}
}

func TestFraming(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.LineBuffer = 64 })

	f.p.Feed([]byte(`{"cmd":"status"}` + "\r\n" + `{"cmd":"recent"}` + "\n"))
	if !f.p.Poll() || strings.Count(f.out.String(), "\n") != 1 {
		t.Fatalf("first Poll output %q", f.out.String())
	}
	if !f.p.Poll() || strings.Count(f.out.String(), "\n") != 2 {
		t.Fatalf("second Poll output %q", f.out.String())
	}
	if f.p.Poll() {
		t.Fatalf("third Poll handled a command")
	}

	f.out.Reset()
	f.p.Feed([]byte(strings.Repeat("x", 100) + "\n" + `{"cmd":"recent"}` + "\n"))
	if !f.p.Poll() {
		t.Fatalf("Poll after overlong line handled nothing")
	}
	if got := f.out.String(); got != `{"ok":true,"recent":[]}`+"\n" {
		t.Errorf("output after overlong line = %q", got)
	}

	f.out.Reset()
	f.p.Feed([]byte("\n\r\n"))
	if f.p.Poll() || f.out.Len() != 0 {
		t.Errorf("blank lines produced %q", f.out.String())
	}

	f.p.Feed([]byte(`{"cmd":"rec`))
	if f.p.Poll() {
		t.Fatalf("partial line handled")
	}
	f.p.Feed([]byte(`ent"}` + "\n"))
	if !f.p.Poll() {
		t.Fatalf("completed line not handled")
	}
}

func TestParseAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	wantError(t, f.exec(t, `{"cmd":`), "parse error")
	wantError(t, f.exec(t, `{"cmd":"format_sd"}`), "unknown command")
	wantError(t, f.exec(t, `{}`), "unknown command")
}

func TestReset(t *testing.T) {
	f := newFixture(t, nil)
	f.exec(t, `{"cmd":"upload_start","name":"a.bin","size":10}`)
	f.p.Feed([]byte(`{"cmd":"sta`))
	f.p.Poll()
	f.p.Reset()
	if f.session.Active() || f.store.Exists("/a.bin") {
		t.Errorf("Reset left the upload open")
	}
	f.out.Reset()
	f.p.Feed([]byte(`tus"}` + "\n"))
	f.p.Poll()
	if !strings.Contains(f.out.String(), "parse error") {
		t.Errorf("partial line survived Reset: %q", f.out.String())
	}
}

func TestRunUntilEOF(t *testing.T) {
	f := newFixture(t, nil)
	in := strings.NewReader(`{"cmd":"mkdir","path":"/a"}` + "\n" + `{"cmd":"list"}` + "\n")
	if err := f.p.Run(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	out := f.out.String()
	if !strings.HasPrefix(out, `{"ok":true}`+"\n") || !strings.Contains(out, `"name":"a"`) {
		t.Errorf("Run output = %q", out)
	}
}
