package data

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// MemoryConnector keeps values in an in-process ristretto cache. Entries may
// be evicted under memory pressure, which callers treat as a miss.
type MemoryConnector struct {
	cache *ristretto.Cache[string, []byte]
}

// NewMemoryConnector creates a connector bounded to maxBytes of values
func NewMemoryConnector(maxBytes int64) (*MemoryConnector, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e5,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory cache: %w", err)
	}
	return &MemoryConnector{cache: cache}, nil
}

// Get implements Connector
func (m *MemoryConnector) Get(ctx context.Context, index, partitionKey, rangeKey string) ([]byte, error) {
	value, ok := m.cache.Get(compositeKey(partitionKey, rangeKey))
	if !ok {
		return nil, ErrRecordNotFound
	}
	return value, nil
}

// Set implements Connector
func (m *MemoryConnector) Set(ctx context.Context, partitionKey, rangeKey string, value []byte, ttl *time.Duration) error {
	key := compositeKey(partitionKey, rangeKey)
	cost := int64(len(value)) + 1
	if ttl != nil {
		m.cache.SetWithTTL(key, value, cost, *ttl)
	} else {
		m.cache.Set(key, value, cost)
	}
	// make the write visible to the next Get
	m.cache.Wait()
	return nil
}

// Close implements Connector
func (m *MemoryConnector) Close() error {
	m.cache.Close()
	return nil
}
