package subscription

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"boardsync/domain"
)

const DefaultDedupeWindow = 4096

// Deduper remembers the most recent event keys. Not safe for concurrent use.
type Deduper struct {
	seen *lru.Cache[domain.EventKey, struct{}]
}

func NewDeduper(size int) *Deduper {
	if size <= 0 {
		size = DefaultDedupeWindow
	}
	c, err := lru.New[domain.EventKey, struct{}](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &Deduper{seen: c}
}

// Seen records key and reports whether it was already recorded.
func (d *Deduper) Seen(key domain.EventKey) bool {
	if d.seen.Contains(key) {
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}
