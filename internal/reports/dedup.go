package reports

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/technosupport/ts-inventory/internal/inventory"
)

type dedupEntry struct {
	report inventory.Report
	at     time.Time
}

// Dedup remembers recent results by upload digest, so re-posting the same
// bytes with the same options skips inference.
type Dedup struct {
	cache *lru.Cache[string, dedupEntry]
	ttl   time.Duration
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 256
	}
	c, _ := lru.New[string, dedupEntry](maxKeys)
	return &Dedup{cache: c, ttl: ttl}
}

func BuildDedupKey(sha, deviceID string, mode inventory.Mode, interval float64) string {
	return fmt.Sprintf("%s|%s|%s|%g", sha, deviceID, mode, interval)
}

// Lookup returns a cached report that has not outlived the TTL.
func (d *Dedup) Lookup(key string) (inventory.Report, bool) {
	e, ok := d.cache.Get(key)
	if !ok {
		return inventory.Report{}, false
	}
	if d.ttl > 0 && time.Since(e.at) >= d.ttl {
		d.cache.Remove(key)
		return inventory.Report{}, false
	}
	return e.report, true
}

func (d *Dedup) Remember(key string, r inventory.Report) {
	d.cache.Add(key, dedupEntry{report: r, at: time.Now()})
}
