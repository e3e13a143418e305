package library

import (
	"testing"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/spibus"
)

func newStorage(t *testing.T) *fsops.Storage {
	t.Helper()
	s, err := fsops.New(t.TempDir(), spibus.New())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRecentStoreRoundTrip(t *testing.T) {
	store := newStorage(t)
	r := NewRecentStore(store, ".crosspoint")
	if err := r.Load(); err != nil {
		t.Fatalf("Load on empty card: %v", err)
	}
	_ = r.Touch(Book{Path: "/a.epub", Title: "A"})
	_ = r.Touch(Book{Path: "/books/b.epub", Title: "B"})
	_ = r.Touch(Book{Path: "/a.epub", Title: "A"})

	again := NewRecentStore(store, "/.crosspoint")
	if err := again.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	books := again.Books()
	if len(books) != 2 || books[0].Path != "/a.epub" {
		t.Fatalf("Books() = %+v", books)
	}
	if cur, ok := again.Current(); !ok || cur.Title != "A" {
		t.Errorf("Current() = %+v, %v", cur, ok)
	}

	changed, err := again.Forget("/books")
	if err != nil || !changed {
		t.Fatalf("Forget = %v, %v", changed, err)
	}
	if _, ok := again.Lookup("/books/b.epub"); ok {
		t.Errorf("forgotten book still listed")
	}
}

func TestSettingsMerge(t *testing.T) {
	store := newStorage(t)
	s := NewSettings(store, "/.crosspoint")
	n, err := s.Merge(map[string]any{"fontSize": float64(2), "sleepScreen": "cover"})
	if err != nil || n != 2 {
		t.Fatalf("Merge = %d, %v", n, err)
	}
	if _, err := s.Merge(map[string]any{"bad": map[string]any{"x": 1}, "ok": true}); err == nil {
		t.Fatalf("nested value accepted")
	}
	if _, ok := s.All()["ok"]; ok {
		t.Errorf("partial merge applied after rejection")
	}
	_, _ = s.Merge(map[string]any{"sleepScreen": nil})

	reloaded := NewSettings(store, "/.crosspoint")
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	all := reloaded.All()
	if all["fontSize"] != float64(2) {
		t.Errorf("fontSize = %v", all["fontSize"])
	}
	if _, ok := all["sleepScreen"]; ok {
		t.Errorf("null did not delete key")
	}
}

func TestWifiStore(t *testing.T) {
	store := newStorage(t)
	w := NewWifiStore(store, "/.crosspoint")
	if err := w.Save("  ", "x"); err == nil {
		t.Errorf("empty ssid accepted")
	}
	_ = w.Save("home", "secret")
	_ = w.Save("office", "pw")
	_ = w.Save("home", "new")
	if got := w.SSIDs(); len(got) != 2 || got[0] != "home" {
		t.Fatalf("SSIDs() = %v", got)
	}
	found, err := w.Forget("office")
	if !found || err != nil {
		t.Fatalf("Forget = %v, %v", found, err)
	}
	found, _ = w.Forget("office")
	if found {
		t.Errorf("Forget twice reported found")
	}
}
