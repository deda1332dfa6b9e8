// Package store holds the read-only collaborators of the decoder: verified
// contracts and the cross-contract method registry.
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txplain/logdecoder/internal/models"
)

// ErrNotFound is returned when no verified contract exists at an address.
var ErrNotFound = errors.New("store: not found")

// VerifiedContract is a contract with verified source and its resolved
// proxy implementations, if any.
type VerifiedContract struct {
	Address         common.Address   `json:"address"`
	Name            string           `json:"name,omitempty"`
	ABI             models.ABI       `json:"abi"`
	ProxyType       string           `json:"proxy_type,omitempty"`
	Implementations []common.Address `json:"implementations,omitempty"`
}

// IsProxy reports whether implementation addresses were resolved for the contract.
func (c *VerifiedContract) IsProxy() bool {
	return len(c.Implementations) > 0
}

// ContractStore looks up verified contracts by address.
type ContractStore interface {
	FindVerifiedContract(ctx context.Context, address common.Address, opts models.Options) (*VerifiedContract, error)
}

// MethodStore looks up ABI fragments registered under a 4-byte method id,
// best-ranked first.
type MethodStore interface {
	FindCandidateMethods(ctx context.Context, methodID [4]byte, limit int, opts models.Options) ([]models.ABIEntry, error)
}
