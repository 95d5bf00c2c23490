package hub

import (
	"sync"
	"time"
)

// ringEntry pairs a stored message with its position bookkeeping.
type ringEntry struct {
	msg *Message
	seq uint64
	ts  time.Time
}

// Ring is the bounded per-channel history buffer. Entries are ordered by a
// monotonically increasing per-buffer sequence; the oldest entry is evicted
// on overflow and entries past the TTL are skipped on read and removed by
// Prune. All operations are total: an invalid cursor behaves as absent and
// never fails.
type Ring struct {
	mu       sync.Mutex
	entries  []ringEntry
	capacity int
	ttl      time.Duration
	seq      uint64
	now      func() time.Time

	capacityEvictions uint64
	ttlExpirations    uint64
	lastEvictionAt    time.Time

	onEvict  func(n int)
	onExpire func(n int)
}

// NewRing creates a buffer with the given capacity and TTL. The clock is
// injectable for retention tests.
func NewRing(capacity int, ttl time.Duration, now func() time.Time) *Ring {
	if now == nil {
		now = time.Now
	}
	return &Ring{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
	}
}

// OnLoss installs callbacks invoked with the number of entries lost to
// capacity eviction and TTL pruning. Set once, before the buffer is shared.
func (r *Ring) OnLoss(onEvict, onExpire func(n int)) {
	r.onEvict = onEvict
	r.onExpire = onExpire
}

// Push appends a message, assigns it the next sequence and the buffer's
// clock time, and returns the new cursor. Overflow evicts from the head.
func (r *Ring) Push(msg *Message) Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	ts := r.now()
	cur := encodeCursor(r.seq, ts.UnixMilli())
	msg.Cursor = cur
	r.entries = append(r.entries, ringEntry{msg: msg, seq: r.seq, ts: ts})

	evicted := 0
	for len(r.entries) > r.capacity {
		r.entries = r.entries[1:]
		r.capacityEvictions++
		r.lastEvictionAt = ts
		evicted++
	}
	if evicted > 0 && r.onEvict != nil {
		r.onEvict(evicted)
	}
	return cur
}

func (r *Ring) expired(e ringEntry, now time.Time) bool {
	return now.Sub(e.ts) > r.ttl
}

// Get returns the message addressed by the cursor, requiring an exact
// (sequence, timestamp) match. Missing, expired, or undecodable cursors
// yield nil.
func (r *Ring) Get(cur Cursor) *Message {
	seq, tsMs, err := decodeCursor(cur)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, e := range r.entries {
		if e.seq == seq && e.ts.UnixMilli() == tsMs {
			if r.expired(e, now) {
				return nil
			}
			return e.msg
		}
	}
	return nil
}

// Slice returns up to limit messages strictly after the cursor, in
// sequence order, skipping expired entries. limit <= 0 means no bound. An
// undecodable cursor yields nothing; callers that want full history on an
// invalid cursor check IsValidCursor first and fall back to All.
func (r *Ring) Slice(cur Cursor, limit int) []*Message {
	seq, _, err := decodeCursor(cur)
	if err != nil {
		return nil
	}
	return r.collect(seq, limit)
}

// All returns up to limit messages from the oldest non-expired entry.
func (r *Ring) All(limit int) []*Message {
	return r.collect(0, limit)
}

func (r *Ring) collect(afterSeq uint64, limit int) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []*Message
	for _, e := range r.entries {
		if e.seq <= afterSeq || r.expired(e, now) {
			continue
		}
		out = append(out, e.msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LatestCursor returns the newest non-expired cursor.
func (r *Ring) LatestCursor() (Cursor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for i := len(r.entries) - 1; i >= 0; i-- {
		if !r.expired(r.entries[i], now) {
			return r.entries[i].msg.Cursor, true
		}
	}
	return "", false
}

// OldestCursor returns the oldest non-expired cursor.
func (r *Ring) OldestCursor() (Cursor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, e := range r.entries {
		if !r.expired(e, now) {
			return e.msg.Cursor, true
		}
	}
	return "", false
}

// IsValidCursor reports whether the referenced entry is still present and
// inside the TTL window.
func (r *Ring) IsValidCursor(cur Cursor) bool {
	return r.Get(cur) != nil
}

// Prune removes expired entries, compacting in place, and returns how many
// were dropped.
func (r *Ring) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if !r.expired(e, now) {
			kept = append(kept, e)
		}
	}
	dropped := len(r.entries) - len(kept)
	r.entries = kept
	r.ttlExpirations += uint64(dropped)
	if dropped > 0 && r.onExpire != nil {
		r.onExpire(dropped)
	}
	return dropped
}

// ValidSize counts non-expired entries without removing anything.
func (r *Ring) ValidSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, e := range r.entries {
		if !r.expired(e, now) {
			n++
		}
	}
	return n
}

// Utilization is ValidSize over capacity, for diagnostics.
func (r *Ring) Utilization() float64 {
	if r.capacity == 0 {
		return 0
	}
	return float64(r.ValidSize()) / float64(r.capacity)
}

// LossCounters reports eviction/expiry telemetry for the stats surface.
func (r *Ring) LossCounters() (capacityEvictions, ttlExpirations uint64, lastEvictionAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacityEvictions, r.ttlExpirations, r.lastEvictionAt
}
