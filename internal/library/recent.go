// Package library holds the small device-owned stores the transfer channels
// read and update: recently opened books, reader settings and saved WiFi
// networks. They live as JSON files in the metadata directory.
package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
)

const maxRecent = 10

// Book is one recently opened document.
type Book struct {
	Path      string `json:"path"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	CoverPath string `json:"cover_path,omitempty"`
}

type RecentStore struct {
	mu    sync.Mutex
	store *fsops.Storage
	file  string
	books []Book
}

func NewRecentStore(store *fsops.Storage, metaDir string) *RecentStore {
	return &RecentStore{store: store, file: pathutil.Join(pathutil.Normalize(metaDir), "recent.json")}
}

// Load reads the store; a missing file is an empty list.
func (r *RecentStore) Load() error {
	var books []Book
	if err := loadJSON(r.store, r.file, &books); err != nil {
		return err
	}
	r.mu.Lock()
	r.books = books
	r.mu.Unlock()
	return nil
}

// Books returns the list, most recent first.
func (r *RecentStore) Books() []Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Book(nil), r.books...)
}

func (r *RecentStore) Lookup(p string) (Book, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.books {
		if b.Path == p {
			return b, true
		}
	}
	return Book{}, false
}

// Current is the book at the top of the list.
func (r *RecentStore) Current() (Book, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.books) == 0 {
		return Book{}, false
	}
	return r.books[0], true
}

// Touch moves b to the front and saves.
func (r *RecentStore) Touch(b Book) error {
	r.mu.Lock()
	out := []Book{b}
	for _, x := range r.books {
		if x.Path != b.Path {
			out = append(out, x)
		}
	}
	if len(out) > maxRecent {
		out = out[:maxRecent]
	}
	r.books = out
	snap := append([]Book(nil), out...)
	r.mu.Unlock()
	return saveJSON(r.store, r.file, snap)
}

// Forget drops p and anything below it. It reports whether the list changed.
func (r *RecentStore) Forget(p string) (bool, error) {
	r.mu.Lock()
	out := r.books[:0:0]
	for _, x := range r.books {
		if !pathutil.HasPrefix(x.Path, p) {
			out = append(out, x)
		}
	}
	changed := len(out) != len(r.books)
	r.books = out
	snap := append([]Book(nil), out...)
	r.mu.Unlock()
	if !changed {
		return false, nil
	}
	return true, saveJSON(r.store, r.file, snap)
}

func loadJSON(store *fsops.Storage, p string, v any) error {
	b, err := store.ReadFile(p)
	if errors.Is(err, fsops.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", p, err)
	}
	return nil
}

func saveJSON(store *fsops.Storage, p string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFile(p, append(b, '\n'))
}
