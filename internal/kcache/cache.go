package kcache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"cubit/internal/device"
	"cubit/internal/nvcc"
)

// Cache is the in-memory content-addressed compilation table. Lookups never
// block; concurrent requests for one key observe a single pending entry and
// exactly one compiler invocation. Successful entries live for the process
// lifetime (the table is bounded by program size, not working-set pressure);
// failed entries are evicted so a later identical request may retry.
type Cache struct {
	compiler nvcc.Compiler
	disk     *Disk
	log      *zap.Logger
	metrics  *Metrics

	mu      sync.Mutex
	entries map[Key]*Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithDisk attaches the persistent on-disk mirror. Successful compiles are
// persisted after in-memory promotion.
func WithDisk(d *Disk) Option { return func(c *Cache) { c.disk = d } }

// WithLogger attaches the debug/trace sink.
func WithLogger(log *zap.Logger) Option { return func(c *Cache) { c.log = log } }

// WithMetrics attaches hit/miss/failure counters.
func WithMetrics(m *Metrics) Option { return func(c *Cache) { c.metrics = m } }

// New builds a cache over the given compiler.
func New(compiler nvcc.Compiler, opts ...Option) *Cache {
	c := &Cache{
		compiler: compiler,
		log:      zap.NewNop(),
		entries:  make(map[Key]*Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ObtainOrCompile returns the cache entry for the request's key, inserting a
// pending entry and launching the compiler when absent. The returned entry
// may still be pending; callers block only when they dereference the binary.
func (c *Cache) ObtainOrCompile(req nvcc.Request) *Entry {
	key := KeyFor(req.Cap, req.Source)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		c.metrics.hit()
		return e
	}
	task := nvcc.Launch(c.compiler, req, c.log)
	e := newEntry(key, task, c.log)
	c.entries[key] = e
	c.mu.Unlock()

	c.metrics.miss()
	c.log.Debug("compile scheduled",
		zap.String("key", key.String()),
		zap.String("entry", req.Entry))

	go c.settle(key, e)
	return e
}

// Lookup returns an existing entry without ever compiling.
func (c *Cache) Lookup(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// settle waits out the compile and either mirrors the binary to disk or
// evicts the failed entry so the key can be retried.
func (c *Cache) settle(key Key, e *Entry) {
	bin, err := e.task.Wait(context.Background())
	if err != nil {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.metrics.failure()
		return
	}
	c.metrics.compiled()
	if c.disk != nil {
		if perr := c.disk.Put(key, bin); perr != nil {
			// Losing the mirror only costs a future re-compile.
			c.log.Warn("persist failed", zap.String("key", key.String()), zap.Error(perr))
		}
	}
}

// Seed installs already-compiled binaries from the persistent store for the
// given capability. Records for other capabilities are ignored; they stay on
// disk for processes targeting that hardware.
func (c *Cache) Seed(cap device.Capability) (int, error) {
	if c.disk == nil {
		return 0, nil
	}
	records, err := c.disk.Load()
	if err != nil {
		return 0, err
	}
	seeded := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		if rec.Key.Cap != cap {
			continue
		}
		if _, ok := c.entries[rec.Key]; ok {
			continue
		}
		bin, err := c.disk.ReadBlob(rec)
		if err != nil {
			c.log.Warn("stale cache record", zap.String("key", rec.Key.String()), zap.Error(err))
			continue
		}
		c.entries[rec.Key] = newEntry(rec.Key, nvcc.Completed(bin), c.log)
		seeded++
	}
	if seeded > 0 {
		c.log.Debug("cache seeded", zap.Int("entries", seeded), zap.String("arch", cap.ArchName()))
	}
	return seeded, nil
}
