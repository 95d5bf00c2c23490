// Package idempotency makes retried mutations safe: a client that sends
// the same Idempotency-Key twice gets the stored response of the first
// attempt instead of a second execution, and concurrent duplicates
// coalesce onto a single in-flight execution.
package idempotency

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Key length bounds; anything outside is rejected before execution.
const (
	MinKeyLength = 8
	MaxKeyLength = 256
)

// DefaultTTL is how long a completed record replays.
const DefaultTTL = 24 * time.Hour

// DefaultMaxRecords bounds the cache; the oldest record by insertion is
// evicted first.
const DefaultMaxRecords = 10000

// Record is one cached response, replayed verbatim for duplicates.
type Record struct {
	Key         string
	Fingerprint string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Fingerprint identifies the request semantics behind a key: the first 16
// hex characters of SHA-256 over method, path, and body. A key reused with
// a different fingerprint is a client bug, not a retry.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ValidKey reports whether the key's length is within bounds.
func ValidKey(key string) bool {
	return len(key) >= MinKeyLength && len(key) <= MaxKeyLength
}

// Cacheable reports whether a status is worth replaying: successes and
// client errors are deterministic outcomes, server errors and redirects
// are not.
func Cacheable(status int) bool {
	return (status >= 200 && status < 300) || (status >= 400 && status < 500)
}

// CacheableHeaders filters a response's headers down to what replays:
// Content-Type plus X-* extensions, minus the replay markers themselves.
func CacheableHeaders(src http.Header) http.Header {
	out := http.Header{}
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if canonical != "Content-Type" && !strings.HasPrefix(canonical, "X-") {
			continue
		}
		if strings.HasPrefix(canonical, "X-Idempotent-") {
			continue
		}
		for _, v := range values {
			out.Add(canonical, v)
		}
	}
	return out
}

// Options tunes a Cache; zero values select the defaults.
type Options struct {
	TTL        time.Duration
	MaxRecords int
	Now        func() time.Time
}

// Cache is the bounded TTL store of completed responses plus the pending
// registry that lets concurrent duplicates coalesce. The singleflight
// group serializes executions per key; the pending map carries each
// flight's fingerprint so mismatched duplicates fail fast instead of
// waiting.
type Cache struct {
	ttl        time.Duration
	maxRecords int
	now        func() time.Time

	mu      sync.Mutex
	records map[string]*list.Element
	order   *list.List
	pending map[string]string

	group singleflight.Group

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewCache creates an empty cache.
func NewCache(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultMaxRecords
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		ttl:        opts.TTL,
		maxRecords: opts.MaxRecords,
		now:        opts.Now,
		records:    make(map[string]*list.Element),
		order:      list.New(),
		pending:    make(map[string]string),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Get returns the live record for key, if any.
func (c *Cache) Get(key string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.records[key]
	if !ok {
		return nil, false
	}
	rec := el.Value.(*Record)
	if !c.now().Before(rec.ExpiresAt) {
		c.order.Remove(el)
		delete(c.records, key)
		metricSize.Dec()
		return nil, false
	}
	return rec, true
}

// PendingFingerprint returns the fingerprint of an in-flight execution
// for key, if one exists.
func (c *Cache) PendingFingerprint(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp, ok := c.pending[key]
	return fp, ok
}

// Store records a completed response, evicting the oldest record when the
// bound is hit.
func (c *Cache) Store(rec *Record) {
	now := c.now()
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.records[rec.Key]; ok {
		c.order.Remove(el)
		delete(c.records, rec.Key)
		metricSize.Dec()
	}
	c.records[rec.Key] = c.order.PushBack(rec)
	metricSize.Inc()

	for len(c.records) > c.maxRecords {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.records, oldest.Value.(*Record).Key)
		metricSize.Dec()
		metricEvictions.Inc()
	}
}

// Execute runs fn at most once per key across concurrent callers. The
// caller's fingerprint must already have been checked against any pending
// flight. The returned bool reports whether the record came from another
// caller's execution (a coalesced duplicate).
func (c *Cache) Execute(key, fingerprint string, fn func() *Record) (*Record, bool) {
	var mine *Record
	v, _, _ := c.group.Do(key, func() (any, error) {
		if rec, ok := c.Get(key); ok {
			return rec, nil
		}
		c.mu.Lock()
		c.pending[key] = fingerprint
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
		}()

		rec := fn()
		if Cacheable(rec.StatusCode) {
			c.Store(rec)
		}
		mine = rec
		return rec, nil
	})
	rec := v.(*Record)
	return rec, rec != mine
}

// Size returns the number of stored records.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Sweep removes expired records and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		rec := el.Value.(*Record)
		if !now.Before(rec.ExpiresAt) {
			c.order.Remove(el)
			delete(c.records, rec.Key)
			metricSize.Dec()
			dropped++
		}
		el = next
	}
	return dropped
}

// Start launches the periodic sweep. Zero interval selects 60s.
func (c *Cache) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop ends the sweep loop and waits for it to exit. Idempotent; only
// valid after Start.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
}
