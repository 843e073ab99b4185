package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Cache owns every loaded Loop. Each identifier is loaded at most once; the
// resulting Loop is shared read-only by all sessions until process exit.
type Cache struct {
	dir         string
	concurrency int
	log         *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ready chan struct{}
	loop  *Loop
	err   error
}

func NewCache(dir string, concurrency int, log *slog.Logger) *Cache {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Cache{
		dir:         dir,
		concurrency: concurrency,
		log:         log.With(slog.String("component", "avatar-cache")),
		entries:     make(map[string]*entry),
	}
}

// Preload loads every id and fails on the first error.
func (c *Cache) Preload(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := c.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the Loop for id, loading it on first use. Concurrent callers
// for the same id wait for a single load. Failed loads are not cached.
func (c *Cache) Get(ctx context.Context, id string) (*Loop, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		c.entries[id] = e
		c.mu.Unlock()
		c.load(ctx, id, e)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-e.ready:
		return e.loop, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put registers an already-built Loop under id.
func (c *Cache) Put(id string, loop *Loop) {
	e := &entry{ready: make(chan struct{}), loop: loop}
	close(e.ready)
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

// Loaded lists the identifiers that are ready.
func (c *Cache) Loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, e := range c.entries {
		select {
		case <-e.ready:
			if e.err == nil {
				ids = append(ids, id)
			}
		default:
		}
	}
	return ids
}

func (c *Cache) load(ctx context.Context, id string, e *entry) {
	start := time.Now()
	// The load outlives a cancelled first caller so later waiters still get it.
	e.loop, e.err = Load(context.WithoutCancel(ctx), filepath.Join(c.dir, id), c.concurrency)
	if e.err != nil {
		c.mu.Lock()
		delete(c.entries, id)
		c.mu.Unlock()
		c.log.Error("avatar load failed", slog.String("avatar", id), slog.String("error", e.err.Error()))
	} else {
		c.log.Info("avatar loaded",
			slog.String("avatar", id),
			slog.Int("frames", e.loop.Len()),
			slog.Duration("took", time.Since(start)))
	}
	close(e.ready)
}

func checkID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: invalid identifier %q", ErrNotFound, id)
	}
	return nil
}
