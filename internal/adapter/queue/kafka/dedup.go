package kafka

import (
	"sync"
	"time"
)

// DedupCache is a time-bounded set of recently completed record ids. The main
// loop inserts while the background sweep deletes, so all access is guarded.
type DedupCache struct {
	mu        sync.Mutex
	entries   map[int64]time.Time
	retention time.Duration
}

// NewDedupCache constructs a DedupCache with the given retention window.
func NewDedupCache(retention time.Duration) *DedupCache {
	return &DedupCache{
		entries:   make(map[int64]time.Time),
		retention: retention,
	}
}

// Seen reports whether id was completed within the retention window.
func (d *DedupCache) Seen(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.entries[id]
	if !ok {
		return false
	}
	// Entries older than the retention window are eligible again even before
	// the sweep removes them.
	if time.Since(at) > d.retention {
		delete(d.entries, id)
		return false
	}
	return true
}

// Mark records id as processed at now.
func (d *DedupCache) Mark(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id] = time.Now()
}

// Sweep removes entries older than the retention window and returns how many
// were removed.
func (d *DedupCache) Sweep() int {
	cutoff := time.Now().Add(-d.retention)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, at := range d.entries {
		if at.Before(cutoff) {
			delete(d.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (d *DedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
