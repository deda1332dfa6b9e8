package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/rpc"
)

// CachedSignatureService is a read-through cache in front of a signature
// service. Only non-empty answers are stored.
type CachedSignatureService struct {
	inner  rpc.SignatureService
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedSignatureService wraps inner. A non-positive ttl uses
// DefaultSignatureTTL.
func NewCachedSignatureService(inner rpc.SignatureService, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachedSignatureService {
	if ttl <= 0 {
		ttl = DefaultSignatureTTL
	}
	return &CachedSignatureService{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "signature_cache").Logger(),
	}
}

// Enabled implements rpc.SignatureService
func (c *CachedSignatureService) Enabled() bool {
	return c.inner.Enabled()
}

// DecodeEvent implements rpc.SignatureService
func (c *CachedSignatureService) DecodeEvent(ctx context.Context, topics [4]*common.Hash, data []byte) ([]models.ABIEntry, error) {
	key := signatureCacheKey(topics, data)

	var cached []models.ABIEntry
	if err := c.cache.GetJSON(ctx, key, &cached); err == nil && len(cached) > 0 {
		return cached, nil
	}

	fragments, err := c.inner.DecodeEvent(ctx, topics, data)
	if err != nil || len(fragments) == 0 {
		return fragments, err
	}

	if err := c.cache.SetJSON(ctx, key, fragments, &c.ttl); err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("failed to cache signature answer")
	}
	return fragments, nil
}

// signatureCacheKey hashes the topic count, the present topics and the data
func signatureCacheKey(topics [4]*common.Hash, data []byte) string {
	var present [][]byte
	for _, t := range topics {
		if t != nil {
			present = append(present, t.Bytes())
		}
	}
	parts := append([][]byte{{byte(len(present))}}, present...)
	parts = append(parts, data)
	return fmt.Sprintf(SignatureEventKeyPattern, abicodec.Keccak256(parts...).Hex())
}
