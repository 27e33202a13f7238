package txstore

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dgraph-io/ristretto"
	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
)

const (
	// cachedRecordOverhead approximates the memory a decoded record uses beside its serialized transaction.
	cachedRecordOverhead = 256
)

type (
	// recordCache keeps decoded records so reads don't have to deserialize the transaction every time. A nil
	// recordCache is valid and caches nothing.
	recordCache struct {
		cache *ristretto.Cache
	}

	// cachedRecord is what is actually stored in the cache. Ristretto applies sets asynchronously so a value may land
	// after the record was updated, the version is used to detect that.
	cachedRecord struct {
		id      chainhash.Hash
		version uint64
		record  *TransactionRecord
	}
)

func newRecordCache(numCounters, maxCost int64) (*recordCache, error) {
	if maxCost == 0 {
		return nil, nil
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create record cache")
	}

	return &recordCache{
		cache: cache,
	}, nil
}

// cacheKey fingerprints the identifier, collisions are caught by comparing the id stored with the value.
func cacheKey(id chainhash.Hash) uint64 {
	return farm.Fingerprint64(id[:])
}

// get returns the cached record only if it was cached for the given version of the index entry.
func (c *recordCache) get(id chainhash.Hash, version uint64) (*TransactionRecord, bool) {
	if c == nil {
		return nil, false
	}

	value, ok := c.cache.Get(cacheKey(id))
	if !ok {
		return nil, false
	}

	cached, ok := value.(*cachedRecord)
	if !ok || cached.id != id || cached.version != version {
		return nil, false
	}

	return cached.record, true
}

func (c *recordCache) set(id chainhash.Hash, version uint64, record *TransactionRecord, size int) {
	if c == nil {
		return
	}

	c.cache.Set(cacheKey(id), &cachedRecord{
		id:      id,
		version: version,
		record:  record,
	}, int64(size+cachedRecordOverhead))
}

func (c *recordCache) del(id chainhash.Hash) {
	if c == nil {
		return
	}

	c.cache.Del(cacheKey(id))
}

func (c *recordCache) close() {
	if c == nil {
		return
	}

	c.cache.Close()
}
