package workspace

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ReadCacheEntry stores a cached tool result with the plan step that
// produced it.
type ReadCacheEntry struct {
	StepID int
	Output string
}

// ReadCache is a per-task cache for idempotent tool results, so a Run that
// reads the same file twice does not pay for the second read. read_file is
// cached by path; other cacheable read-only tools by a tool+args hash.
// write_file/patch_file/delete_file/move_file invalidate the read_file
// entry for the path they touch.
type ReadCache struct {
	mu    sync.RWMutex
	cache map[string]ReadCacheEntry // cacheKey → entry
}

// NewReadCache creates a new empty ReadCache.
func NewReadCache() *ReadCache {
	return &ReadCache{cache: make(map[string]ReadCacheEntry)}
}

// Get returns the cached entry for the given key, if any.
func (c *ReadCache) Get(key string) (ReadCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.cache[key]
	return e, ok
}

// Put stores a tool result in the cache.
func (c *ReadCache) Put(key string, entry ReadCacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = entry
}

// Invalidate removes the cached entry for the given key.
func (c *ReadCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, key)
}

// cacheableTools defines tools whose results can be cached.
// read_file: cached by path, invalidated per-path by write tools.
// list_files: cached by tool+args hash; since a listing cannot be
// invalidated per-path, every successful write tool drops all cached
// listings (see InvalidateListings).
var cacheableTools = map[string]bool{
	"read_file":  true,
	"list_files": true,
}

// InvalidateListings drops every cached list_files result. The Supervisor
// judges steps against expected outcomes, so a listing from before a write
// must never be replayed after it.
func (c *ReadCache) InvalidateListings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.cache {
		if strings.HasPrefix(k, "tool:list_files:") {
			delete(c.cache, k)
		}
	}
}

// IsCacheable reports whether the tool's results can be cached.
func IsCacheable(toolName string) bool {
	return cacheableTools[toolName]
}

// CacheKey builds the cache key for a tool invocation.
// read_file uses "read_file:<path>" for precise write-invalidation; other
// cacheable tools use "tool:<name>:<md5(args)>" for general dedup.
func CacheKey(toolName, argsJSON string) string {
	if toolName == "read_file" {
		if path := extractStringParam(argsJSON, "path"); path != "" {
			return "read_file:" + path
		}
	}
	// #nosec G401 -- MD5 used only for deduplication, not security
	h := md5.Sum([]byte(argsJSON))
	return fmt.Sprintf("tool:%s:%x", toolName, h)
}

// FileReadCacheKey returns the cache key for a read_file of the given path,
// used by write-tool invalidation.
func FileReadCacheKey(path string) string {
	return "read_file:" + path
}

// IsWriteTool reports whether toolName modifies files (a cache invalidation
// trigger).
func IsWriteTool(toolName string) bool {
	switch toolName {
	case "write_file", "patch_file", "delete_file", "move_file":
		return true
	}
	return false
}

// InvalidatedPaths returns the workspace paths a successful write-tool call
// dirties, extracted from its JSON arguments. move_file touches both ends.
func InvalidatedPaths(toolName, argsJSON string) []string {
	switch toolName {
	case "write_file", "patch_file", "delete_file":
		if p := extractStringParam(argsJSON, "path"); p != "" {
			return []string{p}
		}
	case "move_file":
		var out []string
		if p := extractStringParam(argsJSON, "source"); p != "" {
			out = append(out, p)
		}
		if p := extractStringParam(argsJSON, "destination"); p != "" {
			out = append(out, p)
		}
		return out
	}
	return nil
}

// extractStringParam pulls a single string field out of a JSON argument
// object, returning "" when absent or not a string.
func extractStringParam(argsJSON, key string) string {
	var m map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
