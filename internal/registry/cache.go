package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Entry is the persisted view of one fetched catalog. The API base is stored
// so a cache written against one host is never served for another.
type Entry struct {
	APIBase  string       `json:"api_base"`
	Tools    []Descriptor `json:"tools"`
	CachedAt time.Time    `json:"cached_at"`
}

// Expired reports whether the entry is older than ttl.
func (e Entry) Expired(ttl time.Duration) bool {
	if e.CachedAt.IsZero() {
		return true
	}
	return time.Since(e.CachedAt) > ttl
}

// Cache is a single-file JSON store for the tool catalog between sessions.
type Cache struct {
	path string
}

func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Load reads the cached entry. A missing or unreadable file is a miss, not
// an error; the caller falls through to a fresh fetch.
func (c *Cache) Load() (Entry, bool) {
	b, err := os.ReadFile(c.path)
	if err != nil {
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, false
	}
	return e, true
}

// Save writes the entry. A write failure is swallowed: losing the cache only
// costs a refetch next session.
func (c *Cache) Save(e Entry) {
	b, err := json.MarshalIndent(e, "", " ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(c.path, b, 0o644)
}

// Clear removes the cache file.
func (c *Cache) Clear() error {
	err := os.Remove(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
