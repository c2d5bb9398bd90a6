// Package registry fetches and caches the catalog of remotely invokable tools.
//
// The catalog is fetched once per session from the tool host's /tools
// endpoint and is immutable afterwards; Refresh is the only way to pick up
// changes. A failure to fetch is fatal to the session: without a catalog
// there is nothing to orchestrate.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kotaroba/toolloop/internal/errorsx"
)

// Descriptor describes one remotely invokable tool as published by the host.
type Descriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	HTTPMethod   string          `json:"httpMethod"`
	Path         string          `json:"path"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	RequiresAuth bool            `json:"requiresAuth,omitempty"`
}

// Catalog is the immutable set of tools for one session. It is safe to share
// read-only across concurrent sessions.
type Catalog struct {
	tools     []Descriptor
	byName    map[string]int
	fetchedAt time.Time
	apiBase   string
}

// NewCatalog builds a catalog from descriptors. Used by the client and by
// tests that need a canned catalog without a host.
func NewCatalog(apiBase string, tools []Descriptor) *Catalog {
	byName := make(map[string]int, len(tools))
	for i, t := range tools {
		byName[t.Name] = i
	}
	return &Catalog{tools: tools, byName: byName, fetchedAt: time.Now().UTC(), apiBase: apiBase}
}

// Lookup returns the descriptor for name, if the catalog has it.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return c.tools[i], true
}

// Tools returns the descriptors in catalog order.
func (c *Catalog) Tools() []Descriptor {
	out := make([]Descriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// Names returns the tool names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.Name)
	}
	return out
}

func (c *Catalog) Len() int             { return len(c.tools) }
func (c *Catalog) APIBase() string      { return c.apiBase }
func (c *Catalog) FetchedAt() time.Time { return c.fetchedAt }

// Client fetches the catalog from the tool host, with an optional file cache.
type Client struct {
	base  string
	http  *http.Client
	cache *Cache // nil disables caching
	ttl   time.Duration
	log   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithCache enables the file cache at path with the given TTL.
func WithCache(path string, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = NewCache(path)
		c.ttl = ttl
	}
}

// WithHTTPClient replaces the underlying HTTP client (tests use this to
// shorten timeouts or to fail fast).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger attaches a logger; a nil logger silences the client.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient builds a registry client for the tool host at base.
func NewClient(base string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
		ttl:  5 * time.Minute,
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch returns the catalog, serving from the cache when it is fresh and was
// recorded against the same API base. Any failure is fatal-class.
func (c *Client) Fetch(ctx context.Context) (*Catalog, error) {
	if c.cache != nil {
		if entry, ok := c.cache.Load(); ok && entry.APIBase == c.base && !entry.Expired(c.ttl) {
			c.log.Debug("registry cache hit", "tools", len(entry.Tools), "cached_at", entry.CachedAt)
			cat := NewCatalog(c.base, entry.Tools)
			cat.fetchedAt = entry.CachedAt
			return cat, nil
		}
	}
	return c.Refresh(ctx)
}

// Refresh fetches the catalog from the host, bypassing and rewriting the
// cache. This is the explicit refresh operation; nothing refetches implicitly.
func (c *Client) Refresh(ctx context.Context) (*Catalog, error) {
	url := c.base + "/tools"
	c.log.Info("fetching tool registry", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRegistryFetch)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("tool host unreachable at %s: %w", c.base, err), errorsx.ReasonRegistryFetch)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errorsx.Wrap(fmt.Errorf("registry fetch failed: status %d", resp.StatusCode), errorsx.ReasonRegistryFetch)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRegistryFetch)
	}

	var payload struct {
		Tools []Descriptor `json:"tools"`
		Count int          `json:"count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("registry response is not valid JSON: %w", err), errorsx.ReasonRegistryParse)
	}
	if err := validate(payload.Tools); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRegistryParse)
	}

	c.log.Info("tool registry fetched", "tools", len(payload.Tools))

	if c.cache != nil {
		c.cache.Save(Entry{APIBase: c.base, Tools: payload.Tools, CachedAt: time.Now().UTC()})
	}
	return NewCatalog(c.base, payload.Tools), nil
}

// ClearCache removes the cache file, if caching is enabled.
func (c *Client) ClearCache() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Clear()
}

// Healthy probes the tool host root with a short timeout. Used as a CLI
// preflight; the loop itself relies on Fetch failing loudly.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// validate checks the structural minimum for each descriptor: the loop can
// tolerate a missing schema but not an unroutable tool.
func validate(tools []Descriptor) error {
	for i, t := range tools {
		switch {
		case strings.TrimSpace(t.Name) == "":
			return errors.New(fieldErr(i, "name"))
		case strings.TrimSpace(t.Description) == "":
			return errors.New(fieldErr(i, "description"))
		case strings.TrimSpace(t.HTTPMethod) == "":
			return errors.New(fieldErr(i, "httpMethod"))
		case strings.TrimSpace(t.Path) == "":
			return errors.New(fieldErr(i, "path"))
		}
	}
	return nil
}

func fieldErr(i int, field string) string {
	return fmt.Sprintf("registry tool[%d] missing required field %q", i, field)
}
