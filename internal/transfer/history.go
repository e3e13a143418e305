package transfer

import (
	"sync"
	"time"
)

// Summary is the record of one finished upload.
type Summary struct {
	Seq      uint64    `json:"seq"`
	ID       string    `json:"id"`
	Channel  string    `json:"channel"`
	Path     string    `json:"path"`
	Bytes    int64     `json:"bytes"`
	Result   string    `json:"result"`
	Reason   string    `json:"reason,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// History keeps a ring buffer of recent finished uploads across all
// channels. A nil *History records nothing.
type History struct {
	mu      sync.Mutex
	ring    []Summary
	nextPos int
	count   int
	nextSeq uint64
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 32
	}
	return &History{ring: make([]Summary, capacity)}
}

func (h *History) Add(s Summary) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	s.Seq = h.nextSeq
	h.ring[h.nextPos] = s
	h.nextPos = (h.nextPos + 1) % len(h.ring)
	if h.count < len(h.ring) {
		h.count++
	}
}

// Snapshot returns up to limit entries, oldest first. limit <= 0 means all.
func (h *History) Snapshot(limit int) []Summary {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	if limit == 0 {
		return nil
	}
	start := h.nextPos - limit
	if start < 0 {
		start += len(h.ring)
	}
	out := make([]Summary, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, h.ring[(start+i)%len(h.ring)])
	}
	return out
}

// LastCommitted returns the newest committed upload on channel.
func (h *History) LastCommitted(channel string) (Summary, bool) {
	if h == nil {
		return Summary{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 1; i <= h.count; i++ {
		idx := (h.nextPos - i + len(h.ring)) % len(h.ring)
		s := h.ring[idx]
		if s.Channel == channel && s.Result == "committed" {
			return s, true
		}
	}
	return Summary{}, false
}
