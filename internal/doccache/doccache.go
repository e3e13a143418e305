// Package doccache holds the caches derived from documents on the card:
// parsed metadata, cover images and the sleep-screen image list. Writes,
// renames and deletes invalidate them by path.
package doccache

import (
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"crosspoint-transfer/internal/fsops"
	"crosspoint-transfer/internal/pathutil"
)

// Metadata is what the reader extracted from a document.
type Metadata struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	CoverPath string `json:"cover_path,omitempty"`
}

// cache directory prefix per document extension
var cacheKinds = map[string]string{
	".epub": "epub_",
	".xtc":  "xtc_",
	".xtch": "xtc_",
	".txt":  "txt_",
	".md":   "md_",
}

const sleepKey = "sleep"

type Cache struct {
	store   *fsops.Storage
	metaDir string
	log     *zap.Logger

	meta   *cache.Cache
	covers *cache.Cache
	sleep  *cache.Cache

	sleepGen atomic.Uint64
}

// New creates the caches. store may be nil, in which case on-card cache
// directories are left alone.
func New(store *fsops.Storage, metaDir string, ttl, cleanup time.Duration, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		store:   store,
		metaDir: pathutil.Normalize(metaDir),
		log:     log,
		meta:    cache.New(ttl, cleanup),
		covers:  cache.New(ttl, cleanup),
		sleep:   cache.New(ttl, cleanup),
	}
}

// Dir returns the on-card cache directory of a document, or "" when the
// extension has no cache.
func (c *Cache) Dir(docPath string) string {
	prefix, ok := cacheKinds[ext(docPath)]
	if !ok {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(docPath))
	return pathutil.Join(c.metaDir, prefix+strconv.FormatUint(h.Sum64(), 10))
}

func ext(p string) string {
	base := pathutil.Base(p)
	i := strings.LastIndexByte(base, '.')
	if i < 0 {
		return ""
	}
	return strings.ToLower(base[i:])
}

// IsSleepPath reports whether p is a sleep-screen image or lives in /sleep.
func IsSleepPath(p string) bool {
	switch strings.ToLower(p) {
	case "/sleep.bmp", "/sleep.png", "/sleep.jpg", "/sleep.jpeg", "/sleep":
		return true
	}
	return strings.HasPrefix(strings.ToLower(p), "/sleep/")
}

// InvalidatePath drops everything derived from p or from anything below p.
func (c *Cache) InvalidatePath(p string) {
	p = pathutil.Normalize(p)
	n := dropPrefix(c.meta, p) + dropPrefix(c.covers, p)

	if dir := c.Dir(p); dir != "" && c.store != nil {
		if err := c.store.RemoveAll(dir); err != nil && !errors.Is(err, fsops.ErrNotFound) {
			c.log.Warn("cache dir not removed", zap.String("doc", p), zap.String("dir", dir), zap.Error(err))
		} else {
			c.log.Debug("cleared document cache", zap.String("doc", p))
		}
	}
	if IsSleepPath(p) || p == "/" {
		c.sleep.Delete(sleepKey)
		c.sleepGen.Add(1)
		c.log.Debug("sleep image cache invalidated", zap.String("path", p))
	}
	if n > 0 {
		c.log.Debug("dropped cached entries", zap.String("path", p), zap.Int("count", n))
	}
}

func dropPrefix(cc *cache.Cache, p string) int {
	n := 0
	for k := range cc.Items() {
		if pathutil.HasPrefix(k, p) {
			cc.Delete(k)
			n++
		}
	}
	return n
}

func (c *Cache) Metadata(doc string) (Metadata, bool) {
	v, ok := c.meta.Get(doc)
	if !ok {
		return Metadata{}, false
	}
	return v.(Metadata), true
}

func (c *Cache) SetMetadata(doc string, m Metadata) {
	c.meta.SetDefault(doc, m)
	if m.CoverPath != "" {
		c.covers.SetDefault(doc, m.CoverPath)
	}
}

// CoverPath finds the cover image of a document: a remembered path first,
// then the thumbnail in the document's cache directory.
func (c *Cache) CoverPath(doc string) (string, bool) {
	if v, ok := c.covers.Get(doc); ok {
		return v.(string), true
	}
	dir := c.Dir(doc)
	if dir == "" || c.store == nil {
		return "", false
	}
	p := pathutil.Join(dir, "cover.bmp")
	if !c.store.Exists(p) {
		return "", false
	}
	c.covers.SetDefault(doc, p)
	return p, true
}

// SleepImages returns the cached sleep image list, loading it on a miss.
func (c *Cache) SleepImages(load func() ([]string, error)) ([]string, error) {
	if v, ok := c.sleep.Get(sleepKey); ok {
		return v.([]string), nil
	}
	imgs, err := load()
	if err != nil {
		return nil, err
	}
	c.sleep.SetDefault(sleepKey, imgs)
	return imgs, nil
}

// SleepGeneration increases every time the sleep image cache is invalidated.
func (c *Cache) SleepGeneration() uint64 {
	return c.sleepGen.Load()
}
