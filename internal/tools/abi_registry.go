package tools

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/store"
)

// ABIRegistry resolves the effective ABI of a contract: its own verified ABI
// followed by the ABIs of its resolved proxy implementations.
type ABIRegistry struct {
	contracts store.ContractStore
	timeout   time.Duration
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewABIRegistry creates a new registry lookup
func NewABIRegistry(contracts store.ContractStore, timeout time.Duration, logger zerolog.Logger) *ABIRegistry {
	r := &ABIRegistry{
		contracts: contracts,
		timeout:   timeout,
		tracer:    tracer(),
	}
	r.logger = logger.With().Str("component", r.Name()).Logger()
	return r
}

// Name returns the stage name
func (r *ABIRegistry) Name() string {
	return "abi_registry"
}

// Description returns the stage description
func (r *ABIRegistry) Description() string {
	return "Resolves a contract's verified ABI merged with its proxy implementations"
}

// Lookup returns the resolved ABI of the address, or nil when none is known.
// Misses are cached as nil so the store is asked once per address.
func (r *ABIRegistry) Lookup(ctx context.Context, address *common.Address, opts models.Options, cache ABICache) (*ResolvedABI, ABICache) {
	if cache == nil {
		cache = NewABICache()
	}
	if address == nil {
		return nil, cache
	}
	if cached, ok := cache[*address]; ok {
		return cached, cache
	}

	ctx, span := r.tracer.Start(ctx, "abi_registry.Lookup")
	defer span.End()
	span.SetAttributes(attribute.String("address", address.Hex()))

	contract := r.find(ctx, *address, opts)
	if contract == nil {
		span.SetAttributes(attribute.Bool("found", false))
		cache[*address] = nil
		return nil, cache
	}

	merged := make(models.ABI, 0, len(contract.ABI))
	merged = append(merged, contract.ABI...)

	seen := map[common.Address]bool{*address: true}
	for _, impl := range contract.Implementations {
		if seen[impl] {
			continue
		}
		seen[impl] = true

		implementation := r.find(ctx, impl, opts)
		if implementation == nil {
			continue
		}
		r.logger.Debug().
			Str("proxy", address.Hex()).
			Str("implementation", impl.Hex()).
			Int("entries", len(implementation.ABI)).
			Msg("merged implementation ABI")
		merged = append(merged, implementation.ABI...)
	}

	resolved := &ResolvedABI{ABI: merged, Events: NewEventIndex(merged, r.logger)}
	span.SetAttributes(attribute.Bool("found", true), attribute.Int("entries", len(merged)), attribute.Int("events", resolved.Events.Len()))
	cache[*address] = resolved
	return resolved, cache
}

// find queries the store under the configured timeout. Errors and timeouts
// are reported as not found.
func (r *ABIRegistry) find(ctx context.Context, address common.Address, opts models.Options) *store.VerifiedContract {
	if r.contracts == nil {
		return nil
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	contract, err := r.contracts.FindVerifiedContract(ctx, address, opts)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn().Str("address", address.Hex()).Err(err).Msg("contract store lookup failed")
		}
		return nil
	}
	return contract
}
