package library

import (
	"fmt"
	"sort"
	"sync"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
)

// Settings is a flat key/value settings file. Values are opaque here; the
// reader interprets them.
type Settings struct {
	mu     sync.Mutex
	store  *fsops.Storage
	file   string
	values map[string]any
}

func NewSettings(store *fsops.Storage, metaDir string) *Settings {
	return &Settings{
		store:  store,
		file:   pathutil.Join(pathutil.Normalize(metaDir), "settings.json"),
		values: map[string]any{},
	}
}

func (s *Settings) Load() error {
	values := map[string]any{}
	if err := loadJSON(s.store, s.file, &values); err != nil {
		return err
	}
	if values == nil {
		values = map[string]any{}
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// All returns a copy of every setting.
func (s *Settings) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Merge applies scalar values from upd and persists. Nested objects and
// arrays are rejected as a whole before anything is applied.
func (s *Settings) Merge(upd map[string]any) (int, error) {
	keys := make([]string, 0, len(upd))
	for k, v := range upd {
		if k == "" {
			return 0, fmt.Errorf("empty key")
		}
		switch v.(type) {
		case string, float64, bool, nil:
		default:
			return 0, fmt.Errorf("setting %q: unsupported value type %T", k, v)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	for _, k := range keys {
		if upd[k] == nil {
			delete(s.values, k)
			continue
		}
		s.values[k] = upd[k]
	}
	snap := make(map[string]any, len(s.values))
	for k, v := range s.values {
		snap[k] = v
	}
	s.mu.Unlock()
	return len(keys), saveJSON(s.store, s.file, snap)
}
