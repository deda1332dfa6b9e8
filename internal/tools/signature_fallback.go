package tools

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/rpc"
)

var errServiceUnusable = errors.New("signature service skipped or disabled")

// SignatureFallback asks the external signature service for an event
// fragment and decodes the log with it.
type SignatureFallback struct {
	sigs    rpc.SignatureService
	decoder *EventDecoder
	timeout time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
}

// NewSignatureFallback creates a new fallback stage. sigs may be nil.
func NewSignatureFallback(sigs rpc.SignatureService, decoder *EventDecoder, timeout time.Duration, logger zerolog.Logger) *SignatureFallback {
	f := &SignatureFallback{
		sigs:    sigs,
		decoder: decoder,
		timeout: timeout,
		tracer:  tracer(),
	}
	f.logger = logger.With().Str("component", f.Name()).Logger()
	return f
}

// Name returns the stage name
func (f *SignatureFallback) Name() string {
	return "signature_fallback"
}

// Description returns the stage description
func (f *SignatureFallback) Description() string {
	return "Decodes logs with event fragments from the external signature service"
}

// Usable reports whether a call with the given skip flag would reach the service
func (f *SignatureFallback) Usable(skip bool) bool {
	return !skip && f.sigs != nil && f.sigs.Enabled()
}

// Candidates returns zero or one decoded candidate. answered is false when
// the service was not reached or failed, so a later call may retry it.
func (f *SignatureFallback) Candidates(ctx context.Context, log *models.Log, tx models.Transaction, skip bool) (candidates []models.Decoded, answered bool) {
	decoded, ok, answered := f.decode(ctx, log, tx, skip)
	if !ok {
		return []models.Decoded{}, answered
	}
	return []models.Decoded{decoded}, answered
}

// Decode returns ContractNotVerified with the decoded candidate, or
// CouldNotDecode.
func (f *SignatureFallback) Decode(ctx context.Context, log *models.Log, tx models.Transaction, skip bool) models.DecodeResult {
	decoded, ok, _ := f.decode(ctx, log, tx, skip)
	if !ok {
		return models.NotDecodable()
	}
	return models.ContractNotVerified([]models.Decoded{decoded})
}

func (f *SignatureFallback) decode(ctx context.Context, log *models.Log, tx models.Transaction, skip bool) (models.Decoded, bool, bool) {
	entry, found, err := f.fetch(ctx, log, skip)
	if err != nil {
		return models.Decoded{}, false, false
	}
	if !found {
		return models.Decoded{}, false, true
	}
	decoded, err := f.decoder.Decode(models.ABI{entry}, log, tx.Hash)
	if err != nil {
		return models.Decoded{}, false, true
	}
	return decoded, true, true
}

// fetch returns the first fragment proposed by the service, tagged as an
// event. found is false when the service answered with no fragment.
func (f *SignatureFallback) fetch(ctx context.Context, log *models.Log, skip bool) (models.ABIEntry, bool, error) {
	if !f.Usable(skip) {
		return models.ABIEntry{}, false, errServiceUnusable
	}

	ctx, span := f.tracer.Start(ctx, "signature_fallback.fetch")
	defer span.End()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	fragments, err := f.sigs.DecodeEvent(ctx, log.Topics(), log.Data)
	if err != nil {
		f.logger.Debug().
			Str("transaction_hash", log.TransactionHash.Hex()).
			Int("log_index", log.Index).
			Err(err).
			Msg("signature service gave no usable answer")
		span.SetAttributes(attribute.Bool("usable", false))
		return models.ABIEntry{}, false, err
	}
	if len(fragments) == 0 {
		span.SetAttributes(attribute.Bool("usable", false))
		return models.ABIEntry{}, false, nil
	}

	span.SetAttributes(attribute.Bool("usable", true), attribute.Int("fragments", len(fragments)))
	entry := fragments[0]
	entry.Type = "event"
	return entry, true, nil
}
