package tools

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/rpc"
	"github.com/txplain/logdecoder/internal/store"
)

// Config holds the timeouts applied to collaborator calls
type Config struct {
	StoreTimeout     time.Duration
	SignatureTimeout time.Duration
}

// LogDecoder decodes logs into typed results, falling back from the
// contract's own ABI to candidate methods and then to the signature service.
type LogDecoder struct {
	registry *ABIRegistry
	decoder  *EventDecoder
	resolver *CandidateResolver
	fallback *SignatureFallback
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewLogDecoder creates a new log decoder. Any collaborator may be nil, in
// which case its stage yields no result.
func NewLogDecoder(contracts store.ContractStore, methods store.MethodStore, sigs rpc.SignatureService, cfg Config, logger zerolog.Logger) *LogDecoder {
	decoder := NewEventDecoder(logger)
	fallback := NewSignatureFallback(sigs, decoder, cfg.SignatureTimeout, logger)
	l := &LogDecoder{
		registry: NewABIRegistry(contracts, cfg.StoreTimeout, logger),
		decoder:  decoder,
		resolver: NewCandidateResolver(methods, decoder, fallback, cfg.StoreTimeout, logger),
		fallback: fallback,
		tracer:   tracer(),
	}
	l.logger = logger.With().Str("component", l.Name()).Logger()
	return l
}

// Name returns the tool name
func (l *LogDecoder) Name() string {
	return "log_decoder"
}

// Description returns the tool description
func (l *LogDecoder) Description() string {
	return "Decodes event logs using verified ABIs, candidate methods and the signature service"
}

// Stages returns the stages in the order they are consulted
func (l *LogDecoder) Stages() []Tool {
	return []Tool{l.registry, l.decoder, l.resolver, l.fallback}
}

// Decode decodes a single log. The returned caches are the given caches
// with any new lookups recorded; pass them to the next call of the batch.
// Nil caches are allocated.
func (l *LogDecoder) Decode(ctx context.Context, log *models.Log, tx models.Transaction, opts models.Options, skipSignatureService bool, abiCache ABICache, candidateCache CandidateCache) (models.DecodeResult, ABICache, CandidateCache) {
	ctx, span := l.tracer.Start(ctx, "logdecoder.Decode")
	defer span.End()
	span.SetAttributes(attribute.Int("log_index", log.Index))

	if abiCache == nil {
		abiCache = NewABICache()
	}
	if candidateCache == nil {
		candidateCache = NewCandidateCache()
	}

	result, candidateCache := l.decode(ctx, log, tx, opts, skipSignatureService, abiCache, candidateCache)
	span.SetAttributes(attribute.String("result", result.Kind.String()))
	return result, abiCache, candidateCache
}

func (l *LogDecoder) decode(ctx context.Context, log *models.Log, tx models.Transaction, opts models.Options, skip bool, abiCache ABICache, candidateCache CandidateCache) (models.DecodeResult, CandidateCache) {
	resolved, _ := l.registry.Lookup(ctx, log.Address, opts, abiCache)
	if resolved != nil {
		decoded, err := l.decoder.DecodeIndexed(resolved.Events, log, tx.Hash)
		if err == nil {
			return models.DecodedResult(decoded), candidateCache
		}
	}

	entry, candidateCache := l.resolver.Resolve(ctx, log, tx, opts, skip, candidateCache)
	if entry.Result.Kind != models.ResultContractNotVerified || len(entry.Result.Candidates) > 0 {
		return entry.Result, candidateCache
	}

	// the candidate search already asked the service with the same topics and data
	if entry.SignatureServiceConsulted {
		return models.NotDecodable(), candidateCache
	}
	return l.fallback.Decode(ctx, log, tx, skip), candidateCache
}

// BatchRequest is a batch of logs decoded with shared options
type BatchRequest struct {
	Logs                 []models.Log
	Options              models.Options
	SkipSignatureService bool
}

// DecodeBatch decodes logs in order, threading both caches through every call.
func (l *LogDecoder) DecodeBatch(ctx context.Context, req BatchRequest) []models.DecodeResult {
	results := make([]models.DecodeResult, len(req.Logs))
	abiCache, candidateCache := NewABICache(), NewCandidateCache()
	for i := range req.Logs {
		log := &req.Logs[i]
		results[i], abiCache, candidateCache = l.Decode(ctx, log, models.TransactionOf(log), req.Options, req.SkipSignatureService, abiCache, candidateCache)
	}
	return results
}

// DecodeBatchParallel splits the batch into contiguous chunks decoded by
// up to workers goroutines, each with its own caches. Results keep input
// order.
func (l *LogDecoder) DecodeBatchParallel(ctx context.Context, req BatchRequest, workers int) ([]models.DecodeResult, error) {
	if workers <= 1 || len(req.Logs) <= 1 {
		return l.DecodeBatch(ctx, req), nil
	}
	if workers > len(req.Logs) {
		workers = len(req.Logs)
	}

	results := make([]models.DecodeResult, len(req.Logs))
	chunk := (len(req.Logs) + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(req.Logs); start += chunk {
		start, end := start, min(start+chunk, len(req.Logs))
		g.Go(func() error {
			abiCache, candidateCache := NewABICache(), NewCandidateCache()
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				log := &req.Logs[i]
				results[i], abiCache, candidateCache = l.Decode(ctx, log, models.TransactionOf(log), req.Options, req.SkipSignatureService, abiCache, candidateCache)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	l.logger.Debug().Int("logs", len(req.Logs)).Int("workers", workers).Msg("decoded batch")
	return results, nil
}
