package pathutil

import "strings"

// Protector decides which normalized paths belong to the device itself and
// must never be listed, written, renamed or deleted by a client.
type Protector struct {
	names      map[string]struct{}
	hideDotted bool
}

// NewProtector builds a deny-list from exact component names. When hideDotted
// is set every component starting with '.' is protected as well.
func NewProtector(names []string, hideDotted bool) *Protector {
	p := &Protector{names: make(map[string]struct{}, len(names)), hideDotted: hideDotted}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		p.names[n] = struct{}{}
	}
	return p
}

// IsHidden reports whether a single directory entry name is denied.
func (p *Protector) IsHidden(name string) bool {
	if p == nil || name == "" {
		return false
	}
	if p.hideDotted && strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := p.names[name]
	return ok
}

// IsProtected checks a normalized path component by component.
func (p *Protector) IsProtected(normalized string) bool {
	if p == nil {
		return false
	}
	for _, seg := range strings.Split(normalized, "/") {
		if p.IsHidden(seg) {
			return true
		}
	}
	return false
}
