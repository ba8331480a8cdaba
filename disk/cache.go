package disk

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// readCache is the per-torrent LRU read-through cache of fully
// assembled pieces, split into block-sized chunks (§3 LRUReadCache,
// §4.6 ReadBlock). Grounded on uber-kraken's lib/store/base file-map
// LRU (mutex + hashicorp/golang-lru), generalized from files to piece
// block chunks.
type readCache struct {
	mu    sync.Mutex
	cache *lru.LRU[int, [][]byte]
}

func newReadCache(capacity int) *readCache {
	if capacity <= 0 {
		capacity = 500
	}
	c, _ := lru.NewLRU[int, [][]byte](capacity, nil)
	return &readCache{cache: c}
}

func (c *readCache) get(pieceIdx int) ([][]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(pieceIdx)
}

func (c *readCache) put(pieceIdx int, blocks [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(pieceIdx, blocks)
}
