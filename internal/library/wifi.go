package library

import (
	"fmt"
	"strings"
	"sync"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
)

// Network is a saved WiFi credential.
type Network struct {
	SSID     string `json:"ssid"`
	Password string `json:"password,omitempty"`
}

const maxNetworks = 8

type WifiStore struct {
	mu       sync.Mutex
	store    *fsops.Storage
	file     string
	networks []Network
}

func NewWifiStore(store *fsops.Storage, metaDir string) *WifiStore {
	return &WifiStore{store: store, file: pathutil.Join(pathutil.Normalize(metaDir), "wifi.json")}
}

func (w *WifiStore) Load() error {
	var nets []Network
	if err := loadJSON(w.store, w.file, &nets); err != nil {
		return err
	}
	w.mu.Lock()
	w.networks = nets
	w.mu.Unlock()
	return nil
}

// SSIDs lists saved networks; passwords never leave the store.
func (w *WifiStore) SSIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.networks))
	for _, n := range w.networks {
		out = append(out, n.SSID)
	}
	return out
}

// Save adds or replaces a network and persists. The newest network is tried
// first on the next connection attempt.
func (w *WifiStore) Save(ssid, password string) error {
	ssid = strings.TrimSpace(ssid)
	if ssid == "" {
		return fmt.Errorf("ssid required")
	}
	if len(ssid) > 32 {
		return fmt.Errorf("ssid too long")
	}
	if len(password) > 63 {
		return fmt.Errorf("password too long")
	}
	w.mu.Lock()
	out := []Network{{SSID: ssid, Password: password}}
	for _, n := range w.networks {
		if n.SSID != ssid {
			out = append(out, n)
		}
	}
	if len(out) > maxNetworks {
		out = out[:maxNetworks]
	}
	w.networks = out
	snap := append([]Network(nil), out...)
	w.mu.Unlock()
	return saveJSON(w.store, w.file, snap)
}

// Forget removes a network. It reports whether it was saved.
func (w *WifiStore) Forget(ssid string) (bool, error) {
	w.mu.Lock()
	out := w.networks[:0:0]
	for _, n := range w.networks {
		if n.SSID != ssid {
			out = append(out, n)
		}
	}
	found := len(out) != len(w.networks)
	w.networks = out
	snap := append([]Network(nil), out...)
	w.mu.Unlock()
	if !found {
		return false, nil
	}
	return true, saveJSON(w.store, w.file, snap)
}
