package device

import (
	"bytes"
	"fmt"
	"sync"

	"crosspoint-transfer/internal/discovery"
	"crosspoint-transfer/internal/pathutil"
	"crosspoint-transfer/internal/transfer"
	"crosspoint-transfer/internal/version"
)

// statusScreen is the file-transfer screen. Frames are plain text; the
// display driver that rasterizes them is not part of this program.
type statusScreen struct {
	d *Device

	mu    sync.Mutex
	frame []byte
}

func (s *statusScreen) Compose() ([]byte, error) {
	d := s.d
	var b bytes.Buffer
	fmt.Fprintf(&b, "CrossPoint %s\n", version.Get().Version)
	fmt.Fprintf(&b, "%s  web %s  ws %d\n", d.cfg.Hostname, d.cfg.Listen, discovery.ListenPort(d.cfg.WSListen, 81))

	idle := true
	for _, sess := range d.sessions() {
		p := sess.Progress()
		if p.Status != transfer.Active.String() {
			continue
		}
		idle = false
		if p.Declared > 0 {
			fmt.Fprintf(&b, "%s: %s %d%%\n", p.Channel, pathutil.Base(p.Path), p.Received*100/p.Declared)
		} else {
			fmt.Fprintf(&b, "%s: %s %d bytes\n", p.Channel, pathutil.Base(p.Path), p.Received)
		}
	}
	if idle {
		b.WriteString("waiting for transfers\n")
	}
	if last := d.history.Snapshot(1); len(last) == 1 {
		fmt.Fprintf(&b, "last: %s (%s)\n", pathutil.Base(last[0].Path), last[0].Result)
	}
	if total, free, err := d.diskUsage(); err == nil {
		fmt.Fprintf(&b, "free %d of %d MiB\n", free>>20, total>>20)
	}
	return b.Bytes(), nil
}

// Flush runs with the bus held and must not touch storage.
func (s *statusScreen) Flush(frame []byte) error {
	s.mu.Lock()
	s.frame = append(s.frame[:0], frame...)
	s.mu.Unlock()
	return nil
}

func (s *statusScreen) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.frame)
}
