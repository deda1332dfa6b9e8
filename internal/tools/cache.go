package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/txplain/logdecoder/internal/data"
)

// Cache provides a simple key-value cache interface for collaborator clients
type Cache interface {
	// Get retrieves a value by key, returns an error if not found
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with optional TTL
	Set(ctx context.Context, key string, value []byte, ttl *time.Duration) error

	// GetJSON retrieves and unmarshals JSON data
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data
	SetJSON(ctx context.Context, key string, value interface{}, ttl *time.Duration) error
}

// SimpleCache implements Cache using a data.Connector
type SimpleCache struct {
	connector  data.Connector
	defaultTTL *time.Duration
	keyPrefix  string
}

// NewSimpleCache creates a new cache instance
func NewSimpleCache(connector data.Connector, keyPrefix string, defaultTTL *time.Duration) *SimpleCache {
	return &SimpleCache{
		connector:  connector,
		defaultTTL: defaultTTL,
		keyPrefix:  keyPrefix,
	}
}

// formatKey adds prefix to avoid collisions
func (c *SimpleCache) formatKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", c.keyPrefix, key)
}

// Get retrieves a value by key
func (c *SimpleCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.connector.Get(ctx, "", c.formatKey(key), "default")
}

// Set stores a value with optional TTL
func (c *SimpleCache) Set(ctx context.Context, key string, value []byte, ttl *time.Duration) error {
	cacheTTL := ttl
	if cacheTTL == nil && c.defaultTTL != nil {
		cacheTTL = c.defaultTTL
	}
	return c.connector.Set(ctx, c.formatKey(key), "default", value, cacheTTL)
}

// GetJSON retrieves and unmarshals JSON data
func (c *SimpleCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("key not found: %s", key)
	}
	return json.Unmarshal(raw, dest)
}

// SetJSON marshals and stores JSON data
func (c *SimpleCache) SetJSON(ctx context.Context, key string, value interface{}, ttl *time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.Set(ctx, key, raw, ttl)
}

// DefaultSignatureTTL applies when no TTL is configured for signature answers
var DefaultSignatureTTL = time.Hour * 24

const (
	// sig-event:<keccak(topics ++ data)>
	SignatureEventKeyPattern = "sig-event:%s"
)
