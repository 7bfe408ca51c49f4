package docpipe

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFileCacheSize bounds how many file bodies the pipeline keeps
// resident at once (DOMAIN STACK: golang-lru/v2, "bounded in-process cache
// of recently-read file contents in the document pipeline, avoids
// re-reading a file once per embedding config in update_to_tables").
const DefaultFileCacheSize = 64

// FileCache memoizes file reads across the embedding-target loop in
// update_to_tables (spec §4.5: "Read file once (cached)") and across
// repeated Check calls within one sweep.
type FileCache struct {
	cache *lru.Cache[string, []byte]
}

// NewFileCache builds a cache holding up to size file bodies.
func NewFileCache(size int) *FileCache {
	if size <= 0 {
		size = DefaultFileCacheSize
	}
	c, _ := lru.New[string, []byte](size)
	return &FileCache{cache: c}
}

// Read returns absPath's content, reading from disk only on a cache miss.
func (f *FileCache) Read(absPath string) ([]byte, error) {
	if content, ok := f.cache.Get(absPath); ok {
		return content, nil
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	f.cache.Add(absPath, content)
	return content, nil
}

// Invalidate drops absPath from the cache (call after any write that makes
// a cached body stale — the pipeline never writes files itself, but a
// caller-triggered re-check after a known content change should not see a
// stale hit).
func (f *FileCache) Invalidate(absPath string) {
	f.cache.Remove(absPath)
}
