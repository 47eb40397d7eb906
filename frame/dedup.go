package frame

import (
	"sync"
	"time"
)

const (
	DefaultDedupSize = 1000
	DefaultDedupTTL  = 5 * time.Minute
)

type dedupEntry struct {
	id   [16]byte
	seen time.Time
}

// DedupWindow remembers recently seen frame fingerprints. An entry is
// forgotten once it is older than the TTL or once size newer entries have
// been recorded, whichever comes first.
type DedupWindow struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	now     func() time.Time
	entries []dedupEntry
	index   map[[16]byte]struct{}
}

// NewDedupWindow creates a window. Non-positive arguments select the defaults.
func NewDedupWindow(size int, ttl time.Duration) *DedupWindow {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupWindow{
		size:    size,
		ttl:     ttl,
		now:     time.Now,
		entries: make([]dedupEntry, 0, size),
		index:   make(map[[16]byte]struct{}, size),
	}
}

// Seen reports whether id was already recorded and records it if not.
func (d *DedupWindow) Seen(id [16]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expire(now)

	if _, ok := d.index[id]; ok {
		return true
	}
	if len(d.entries) >= d.size {
		d.drop(1)
	}
	d.entries = append(d.entries, dedupEntry{id: id, seen: now})
	d.index[id] = struct{}{}
	return false
}

// Reset forgets every entry.
func (d *DedupWindow) Reset() {
	d.mu.Lock()
	d.entries = d.entries[:0]
	clear(d.index)
	d.mu.Unlock()
}

// Len returns the number of tracked fingerprints.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *DedupWindow) expire(now time.Time) {
	cutoff := now.Add(-d.ttl)
	n := 0
	for n < len(d.entries) && d.entries[n].seen.Before(cutoff) {
		n++
	}
	d.drop(n)
}

// drop removes the n oldest entries. Caller holds mu.
func (d *DedupWindow) drop(n int) {
	if n == 0 {
		return
	}
	for _, e := range d.entries[:n] {
		delete(d.index, e.id)
	}
	d.entries = append(d.entries[:0], d.entries[n:]...)
}
