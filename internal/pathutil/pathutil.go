package pathutil

import (
	"fmt"
	"strings"
)

// MaxLen is the longest path or filename accepted from a client.
const MaxLen = 255

// ContainsTraversal reports whether p contains a ".." component, either raw
// ("/../", trailing "/..", leading "../", or exactly "..") or percent-encoded.
// Encoded patterns are matched case-insensitively.
func ContainsTraversal(p string) bool {
	if p == ".." {
		return true
	}
	if strings.Contains(p, "/../") ||
		strings.HasSuffix(p, "/..") ||
		strings.HasPrefix(p, "../") {
		return true
	}
	lower := strings.ToLower(p)
	for _, pat := range encodedTraversal {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

var encodedTraversal = []string{"%2e%2e%2f", "%2f%2e%2e", "..%2f", "%2f.."}

// Check returns a short reason when p is not acceptable as a raw client path.
// It performs no I/O.
func Check(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if len(p) > MaxLen {
		return fmt.Errorf("path length %d exceeds %d", len(p), MaxLen)
	}
	if ContainsTraversal(p) {
		return fmt.Errorf("path traversal")
	}
	if i, ok := FindControl(p); ok {
		return fmt.Errorf("control character 0x%02x at %d", p[i], i)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("backslash not allowed")
	}
	return nil
}

// IsValidPath is Check without the reason.
func IsValidPath(p string) bool {
	return Check(p) == nil
}

// FindControl returns the index of the first ASCII control byte (NUL included)
// or DEL in s.
func FindControl(s string) (int, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7F {
			return i, true
		}
	}
	return -1, false
}

// Normalize ensures a leading '/', collapses repeated '/' and strips a trailing
// '/' unless the result is the root. Empty input is the root.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	var b strings.Builder
	b.Grow(len(p) + 1)
	if p[0] != '/' {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	out := b.String()
	if len(out) > 1 && strings.HasSuffix(out, "/") {
		out = out[:len(out)-1]
	}
	return out
}

// URLDecode decodes %XX escapes and '+' as space. Escapes that are truncated
// or carry non-hex digits are copied through unchanged.
func URLDecode(p string) string {
	if !strings.ContainsAny(p, "%+") {
		return p
	}
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c == '%' && i+2 < len(p):
			hi, ok1 := unhex(p[i+1])
			lo, ok2 := unhex(p[i+2])
			if ok1 && ok2 {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
			out = append(out, c)
		case c == '+':
			out = append(out, ' ')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// CheckFilename validates a bare filename (never a path).
func CheckFilename(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if len(name) > MaxLen {
		return fmt.Errorf("name length %d exceeds %d", len(name), MaxLen)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("reserved name %q", name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("separator not allowed")
	}
	if i, ok := FindControl(name); ok {
		return fmt.Errorf("control character 0x%02x at %d", name[i], i)
	}
	if strings.ContainsAny(name, `"*:<>?|`) {
		return fmt.Errorf("invalid character")
	}
	if ContainsTraversal(name) {
		return fmt.Errorf("path traversal")
	}
	return nil
}

// IsValidFilename is CheckFilename without the reason.
func IsValidFilename(name string) bool {
	return CheckFilename(name) == nil
}

// Clean runs the entry-point pipeline for a raw client path:
// URLDecode, Check, Normalize. Protection is checked separately by the caller.
func Clean(raw string) (string, error) {
	p := URLDecode(raw)
	if err := Check(p); err != nil {
		return "", err
	}
	return Normalize(p), nil
}

// Join appends name to an already normalized directory path.
func Join(dir, name string) string {
	if dir == "" || dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Base returns the last component of a normalized path ("" for the root).
func Base(p string) string {
	if p == "/" || p == "" {
		return ""
	}
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}

// Parent returns the directory containing a normalized path.
func Parent(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// HasPrefix reports whether p equals dir or lies below it. Both must be normalized.
func HasPrefix(p, dir string) bool {
	if dir == "/" {
		return true
	}
	return p == dir || strings.HasPrefix(p, dir+"/")
}
