package fsops

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// toOSPath converts a normalized device path (starting with '/') into an
// on-disk path inside root.
//
// The SD card is FAT formatted, so names are case-insensitive. On
// case-sensitive host filesystems every existing segment is resolved by
// scanning its directory, so "/Books/X.EPUB" finds "/books/x.epub".
func toOSPath(rootAbs string, normalized string) (string, error) {
	cleanRoot := filepath.Clean(rootAbs)
	if normalized == "" || normalized == "/" {
		return cleanRoot, nil
	}
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	segs := strings.Split(strings.TrimPrefix(normalized, "/"), "/")
	cur := cleanRoot
	rest := func(from int) (string, error) {
		p := filepath.Join(cur, filepath.FromSlash(strings.Join(segs[from:], "/")))
		return ensureWithinRoot(cleanRoot, p)
	}

	for i, seg := range segs {
		if seg == "" || seg == "." {
			continue
		}
		entries, err := os.ReadDir(cur)
		if err != nil {
			return rest(i)
		}

		best := ""
		for _, e := range entries {
			name := e.Name()
			if name == seg {
				best = name
				break
			}
			if strings.EqualFold(name, seg) && (best == "" || name < best) {
				best = name
			}
		}
		if best == "" {
			return rest(i)
		}

		next := filepath.Join(cur, best)
		fi, err := os.Lstat(next)
		if err != nil {
			return rest(i)
		}
		// Never follow symlinks; checkNoSymlink rejects the result later.
		if fi.Mode()&os.ModeSymlink != 0 || (i < len(segs)-1 && !fi.IsDir()) {
			cur = next
			return rest(i + 1)
		}
		cur = next
	}
	return ensureWithinRoot(cleanRoot, cur)
}

func ensureWithinRoot(cleanRoot, p string) (string, error) {
	cleanP := filepath.Clean(p)
	rel, err := filepath.Rel(cleanRoot, cleanP)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrEscapesRoot
	}
	return cleanP, nil
}

// checkNoSymlink walks from root to absPath and rejects any symlink on the
// way. With allowMissing, components that do not exist yet are accepted.
func checkNoSymlink(rootAbs, absPath string, allowMissing bool) error {
	cleanRoot := filepath.Clean(rootAbs)
	rel, err := filepath.Rel(cleanRoot, filepath.Clean(absPath))
	if err != nil {
		return err
	}
	if rel == "." {
		return nil
	}
	cur := cleanRoot
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if err != nil {
			if allowMissing && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("lstat: %w", err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return ErrSymlinkNotAllowed
		}
	}
	return nil
}
