// Package registry resolves tool names to invocable descriptors discovered
// from one or more pluggable sources. Descriptors are cached with a TTL;
// expired entries are re-fetched synchronously with per-source coalescing so
// concurrent resolves never trigger more than one in-flight discovery.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrToolNotFound is returned when no source advertises the tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrSourceUnreachable wraps discovery failures from a source.
	ErrSourceUnreachable = errors.New("source unreachable")
)

// Descriptor describes one invocable tool capability. Immutable once cached;
// a refresh replaces the entry rather than mutating it.
type Descriptor struct {
	Name         string          `json:"name"`
	Version      string          `json:"version,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Source       string          `json:"source"`
	FetchedAt    time.Time       `json:"fetchedAt"`
	// Stale marks a descriptor served from an expired cache entry because
	// its owning source was unreachable at refresh time.
	Stale bool `json:"stale,omitempty"`
}

// Source is the pluggable discovery and invocation contract. The registry
// depends only on this interface, not on any discovery transport.
type Source interface {
	// Name identifies the source; it namespaces cache ownership.
	Name() string
	// Discover returns the current set of descriptors offered by the source.
	Discover(ctx context.Context) ([]Descriptor, error)
	// Call invokes one tool owned by this source with already-bound arguments.
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Invalidator is implemented by sources that can report out-of-band staleness
// (for example a manifest file watcher). When Dirty reports true the cached
// entries for that source are treated as expired regardless of TTL.
type Invalidator interface {
	Dirty() bool
}

type entry struct {
	desc      Descriptor
	expiresAt time.Time
}

// Registry caches descriptors from a fixed set of sources. A discovery
// failure from one source never evicts or blocks entries owned by another.
type Registry struct {
	ttl     time.Duration
	sources map[string]Source
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry // tool name -> entry

	fetch singleflight.Group // keyed by source name
	clock func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the cache clock. Tests use this to force expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.clock = now }
}

// WithLogger sets the logger used for stale-fallback and refresh reporting.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New builds a registry over the given sources with the given descriptor TTL.
// A non-positive TTL defaults to 60s.
func New(ttl time.Duration, sources []Source, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	byName := make(map[string]Source, len(sources))
	for _, s := range sources {
		byName[s.Name()] = s
	}
	r := &Registry{
		ttl:     ttl,
		sources: byName,
		entries: make(map[string]entry),
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the descriptor for name, re-fetching from the owning
// source when the cached entry has expired. If the source is unreachable the
// stale entry is returned with Stale set rather than silently dropped.
func (r *Registry) Resolve(ctx context.Context, name string) (Descriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()

	if ok && r.fresh(e) {
		return e.desc, nil
	}

	if ok {
		// Expired: refresh only the owning source; a failure falls back
		// to the stale descriptor with an explicit flag.
		if err := r.refreshSource(ctx, e.desc.Source); err != nil {
			r.logger.Warn("registry: serving stale descriptor",
				"tool", name, "source", e.desc.Source, "error", err)
			stale := e.desc
			stale.Stale = true
			return stale, nil
		}
		r.mu.RLock()
		e, ok = r.entries[name]
		r.mu.RUnlock()
		if ok {
			return e.desc, nil
		}
		// The refresh succeeded and the tool is gone from its source.
		return Descriptor{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	// Never seen: try only the sources whose catalog could have changed. A
	// source with every entry fresh already told us it does not offer the
	// name, so re-fetching it would disturb unrelated descriptors for nothing.
	var lastErr error
	for _, src := range r.sourceNames() {
		if !r.sourceExpired(src) {
			continue
		}
		if err := r.refreshSource(ctx, src); err != nil {
			lastErr = err
			continue
		}
		r.mu.RLock()
		e, ok = r.entries[name]
		r.mu.RUnlock()
		if ok {
			return e.desc, nil
		}
	}
	if lastErr != nil {
		return Descriptor{}, fmt.Errorf("%w: %q: %v", ErrToolNotFound, name, lastErr)
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrToolNotFound, name)
}

// Peek returns the cached descriptor without triggering any fetch. Expired
// entries are still returned; callers that need freshness use Resolve.
func (r *Registry) Peek(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc, true
}

// List returns a snapshot of all cached descriptors sorted by name.
// Expired sources are refreshed best-effort; unreachable ones contribute
// their stale entries flagged as such.
func (r *Registry) List(ctx context.Context) []Descriptor {
	for _, src := range r.sourceNames() {
		if r.sourceExpired(src) {
			if err := r.refreshSource(ctx, src); err != nil {
				r.logger.Warn("registry: list serving stale source", "source", src, "error", err)
				r.markSourceStale(src)
			}
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Refresh forces re-discovery of one source, or of every source when name is
// empty. Per-source failures are isolated; the first error is returned after
// all sources have been attempted.
func (r *Registry) Refresh(ctx context.Context, name string) error {
	if name != "" {
		if _, ok := r.sources[name]; !ok {
			return fmt.Errorf("unknown source %q", name)
		}
		return r.refreshSource(ctx, name)
	}
	var firstErr error
	for _, src := range r.sourceNames() {
		if err := r.refreshSource(ctx, src); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Call resolves name and invokes the tool through its owning source.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	desc, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	src, ok := r.sources[desc.Source]
	if !ok {
		return nil, fmt.Errorf("%w: source %q gone for tool %q", ErrToolNotFound, desc.Source, name)
	}
	return src.Call(ctx, name, args)
}

// refreshSource re-discovers one source, coalescing concurrent callers into a
// single underlying fetch per source name.
func (r *Registry) refreshSource(ctx context.Context, name string) error {
	_, err, _ := r.fetch.Do(name, func() (any, error) {
		src, ok := r.sources[name]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", name)
		}
		descs, err := src.Discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreachable, name, err)
		}
		now := r.clock()
		r.mu.Lock()
		// Replace ownership wholesale: drop entries this source no longer
		// advertises, keep everything owned by other sources untouched.
		for tool, e := range r.entries {
			if e.desc.Source == name {
				delete(r.entries, tool)
			}
		}
		for _, d := range descs {
			d.Source = name
			d.FetchedAt = now
			d.Stale = false
			r.entries[d.Name] = entry{desc: d, expiresAt: now.Add(r.ttl)}
		}
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

func (r *Registry) fresh(e entry) bool {
	if src, ok := r.sources[e.desc.Source]; ok {
		if inv, ok := src.(Invalidator); ok && inv.Dirty() {
			return false
		}
	}
	return r.clock().Before(e.expiresAt)
}

func (r *Registry) sourceExpired(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := false
	for _, e := range r.entries {
		if e.desc.Source != name {
			continue
		}
		seen = true
		if !r.fresh(e) {
			return true
		}
	}
	// A source with nothing cached yet counts as expired so List discovers it.
	return !seen
}

func (r *Registry) markSourceStale(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tool, e := range r.entries {
		if e.desc.Source == name {
			e.desc.Stale = true
			r.entries[tool] = e
		}
	}
}

func (r *Registry) sourceNames() []string {
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
