package tools

import (
	"bytes"
	"context"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/store"
)

var (
	contractA = common.HexToAddress("0xabc0000000000000000000000000000000000001")
	contractB = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	txHash    = common.HexToHash("0x7e57000000000000000000000000000000000000000000000000000000000001")
)

func erc20Transfer() models.ABIEntry {
	return models.ABIEntry{
		Name: "Transfer",
		Type: "event",
		Inputs: []models.ABIInput{
			{Name: "from", Type: "address", Indexed: true},
			{Name: "to", Type: "address", Indexed: true},
			{Name: "value", Type: "uint256"},
		},
	}
}

func erc721Transfer() models.ABIEntry {
	return models.ABIEntry{
		Name: "Transfer",
		Type: "event",
		Inputs: []models.ABIInput{
			{Name: "from", Type: "address", Indexed: true},
			{Name: "to", Type: "address", Indexed: true},
			{Name: "tokenId", Type: "uint256", Indexed: true},
		},
	}
}

func topicOf(t *testing.T, entry models.ABIEntry) common.Hash {
	t.Helper()
	topic, err := abicodec.EventTopic(entry)
	require.NoError(t, err)
	return topic
}

func hashPtr(h common.Hash) *common.Hash {
	return &h
}

func addressTopic(a common.Address) *common.Hash {
	return hashPtr(common.BytesToHash(a.Bytes()))
}

func uintWord(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func transferLog(t *testing.T, contract common.Address, value int64) models.Log {
	t.Helper()
	return models.Log{
		Address:         &contract,
		Data:            uintWord(value),
		FirstTopic:      hashPtr(topicOf(t, erc20Transfer())),
		SecondTopic:     addressTopic(alice),
		ThirdTopic:      addressTopic(bob),
		TransactionHash: txHash,
		Index:           3,
	}
}

func bufferLogger() (zerolog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return zerolog.New(buf), buf
}

// countingStore records how often each collaborator method is called
type countingStore struct {
	*store.MemoryStore
	contractCalls atomic.Int32
	methodCalls   atomic.Int32
	err           error
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *countingStore) FindVerifiedContract(ctx context.Context, address common.Address, opts models.Options) (*store.VerifiedContract, error) {
	s.contractCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.FindVerifiedContract(ctx, address, opts)
}

func (s *countingStore) FindCandidateMethods(ctx context.Context, methodID [4]byte, limit int, opts models.Options) ([]models.ABIEntry, error) {
	s.methodCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.MemoryStore.FindCandidateMethods(ctx, methodID, limit, opts)
}

// fakeSignatureService answers every query with the same fragments
type fakeSignatureService struct {
	enabled   bool
	fragments []models.ABIEntry
	err       error
	block     bool
	calls     atomic.Int32
}

func (f *fakeSignatureService) Enabled() bool {
	return f.enabled
}

func (f *fakeSignatureService) DecodeEvent(ctx context.Context, topics [4]*common.Hash, data []byte) ([]models.ABIEntry, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.fragments, f.err
}
