package tools

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/store"
)

// candidateLimit is how many stored fragments are tried per method id
const candidateLimit = 3

// CandidateResolver decodes a log against methods verified on other
// contracts that share its method id.
type CandidateResolver struct {
	methods  store.MethodStore
	decoder  *EventDecoder
	fallback *SignatureFallback
	timeout  time.Duration
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewCandidateResolver creates a new resolver
func NewCandidateResolver(methods store.MethodStore, decoder *EventDecoder, fallback *SignatureFallback, timeout time.Duration, logger zerolog.Logger) *CandidateResolver {
	r := &CandidateResolver{
		methods:  methods,
		decoder:  decoder,
		fallback: fallback,
		timeout:  timeout,
		tracer:   tracer(),
	}
	r.logger = logger.With().Str("component", r.Name()).Logger()
	return r
}

// Name returns the stage name
func (r *CandidateResolver) Name() string {
	return "candidate_resolver"
}

// Description returns the stage description
func (r *CandidateResolver) Description() string {
	return "Decodes logs against verified methods of other contracts sharing the method id"
}

// Resolve returns CouldNotDecode for a log without first topic and
// ContractNotVerified with zero or one candidate otherwise. Results are
// cached per candidate key, empty ones included.
func (r *CandidateResolver) Resolve(ctx context.Context, log *models.Log, tx models.Transaction, opts models.Options, skipSignatureService bool, cache CandidateCache) (CandidateEntry, CandidateCache) {
	if cache == nil {
		cache = NewCandidateCache()
	}
	key, ok := NewCandidateKey(log)
	if !ok {
		return CandidateEntry{Result: models.NotDecodable()}, cache
	}
	if cached, ok := cache[key]; ok {
		return cached, cache
	}

	ctx, span := r.tracer.Start(ctx, "candidate_resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("method_id", abicodec.MethodIDHex(key.MethodID)))

	var candidates []models.Decoded
	for _, entry := range r.find(ctx, key.MethodID, opts) {
		decoded, err := r.decoder.Decode(models.ABI{entry}, log, tx.Hash)
		if err != nil {
			continue
		}
		candidates = append(candidates, decoded)
		break
	}

	entry := CandidateEntry{}
	if len(candidates) == 0 && r.fallback != nil && r.fallback.Usable(skipSignatureService) {
		candidates, entry.SignatureServiceConsulted = r.fallback.Candidates(ctx, log, tx, skipSignatureService)
	}
	entry.Result = models.ContractNotVerified(candidates)

	span.SetAttributes(attribute.Int("candidates", len(entry.Result.Candidates)))
	cache[key] = entry
	return entry, cache
}

// find queries the method store under the configured timeout. Errors and
// timeouts yield no candidates.
func (r *CandidateResolver) find(ctx context.Context, methodID [4]byte, opts models.Options) []models.ABIEntry {
	if r.methods == nil {
		return nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	entries, err := r.methods.FindCandidateMethods(ctx, methodID, candidateLimit, opts)
	if err != nil {
		r.logger.Warn().Str("method_id", abicodec.MethodIDHex(methodID)).Err(err).Msg("method store lookup failed")
		return nil
	}
	if len(entries) > candidateLimit {
		entries = entries[:candidateLimit]
	}
	return entries
}
