package tools

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
)

// ResolvedABI is the effective ABI of a contract with its events indexed
type ResolvedABI struct {
	ABI    models.ABI
	Events *EventIndex
}

// ABICache maps a contract address to its resolved ABI. A nil entry stored
// under an address records a miss.
type ABICache map[common.Address]*ResolvedABI

// NewABICache returns an empty cache
func NewABICache() ABICache {
	return make(ABICache)
}

// Clone returns an independent copy for another worker
func (c ABICache) Clone() ABICache {
	out := make(ABICache, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// OptionalHash is a topic slot that may be absent. It is comparable so it can
// be part of a map key.
type OptionalHash struct {
	Hash    common.Hash
	Present bool
}

func optional(h *common.Hash) OptionalHash {
	if h == nil {
		return OptionalHash{}
	}
	return OptionalHash{Hash: *h, Present: true}
}

// CandidateKey groups logs that share a method id and indexed topics. The
// remaining 28 bytes of topic-0 are not part of the key.
type CandidateKey struct {
	MethodID [4]byte
	Second   OptionalHash
	Third    OptionalHash
	Fourth   OptionalHash
}

// NewCandidateKey builds the key of a log. ok is false when the log has no
// first topic.
func NewCandidateKey(log *models.Log) (CandidateKey, bool) {
	if log.FirstTopic == nil {
		return CandidateKey{}, false
	}
	return CandidateKey{
		MethodID: abicodec.MethodID(*log.FirstTopic),
		Second:   optional(log.SecondTopic),
		Third:    optional(log.ThirdTopic),
		Fourth:   optional(log.FourthTopic),
	}, true
}

// CandidateEntry is a cached candidate search. SignatureServiceConsulted is
// set when the search already got an answer from the signature service.
// Failed or timed out calls leave it unset.
type CandidateEntry struct {
	Result                    models.DecodeResult
	SignatureServiceConsulted bool
}

// CandidateCache maps candidate keys to earlier search results
type CandidateCache map[CandidateKey]CandidateEntry

// NewCandidateCache returns an empty cache
func NewCandidateCache() CandidateCache {
	return make(CandidateCache)
}

// Clone returns an independent copy for another worker
func (c CandidateCache) Clone() CandidateCache {
	out := make(CandidateCache, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
