// Package data provides key/value storage connectors for collaborator caches.
package data

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by Get when the key is absent or expired.
var ErrRecordNotFound = errors.New("data: record not found")

// Connector is a partition/range keyed byte store
type Connector interface {
	Get(ctx context.Context, index, partitionKey, rangeKey string) ([]byte, error)
	Set(ctx context.Context, partitionKey, rangeKey string, value []byte, ttl *time.Duration) error
	Close() error
}

func compositeKey(partitionKey, rangeKey string) string {
	if rangeKey == "" {
		return partitionKey
	}
	return partitionKey + "/" + rangeKey
}
