package store

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
)

var transferEvent = models.ABIEntry{
	Name: "Transfer",
	Type: "event",
	Inputs: []models.ABIInput{
		{Name: "from", Type: "address", Indexed: true},
		{Name: "to", Type: "address", Indexed: true},
		{Name: "value", Type: "uint256"},
	},
}

// ERC-721 Transfer shares the topic hash but indexes the token id.
var nftTransferEvent = models.ABIEntry{
	Name: "Transfer",
	Type: "event",
	Inputs: []models.ABIInput{
		{Name: "from", Type: "address", Indexed: true},
		{Name: "to", Type: "address", Indexed: true},
		{Name: "tokenId", Type: "uint256", Indexed: true},
	},
}

func TestMemoryStore_FindVerifiedContract(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	addr := common.HexToAddress("0xabc")

	_, err := s.FindVerifiedContract(ctx, addr, models.Options{})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.AddContract(VerifiedContract{
		Address: addr,
		Name:    "Token",
		ABI:     models.ABI{transferEvent, {Name: "transfer", Type: "function"}},
	}))

	c, err := s.FindVerifiedContract(ctx, addr, models.Options{UseReplica: true})
	require.NoError(t, err)
	assert.Equal(t, "Token", c.Name)
	assert.False(t, c.IsProxy())
}

func TestMemoryStore_FindCandidateMethods(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddContract(VerifiedContract{Address: common.HexToAddress("0x1"), ABI: models.ABI{transferEvent}}))
	// same fragment from a second contract is stored once
	require.NoError(t, s.AddContract(VerifiedContract{Address: common.HexToAddress("0x2"), ABI: models.ABI{transferEvent}}))
	require.NoError(t, s.AddMethod(nftTransferEvent))

	topic, err := abicodec.EventTopic(transferEvent)
	require.NoError(t, err)
	id := abicodec.MethodID(topic)

	entries, err := s.FindCandidateMethods(ctx, id, 3, models.Options{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Inputs[2].Indexed, "first registered fragment ranks first")
	assert.True(t, entries[1].Inputs[2].Indexed)

	entries, err = s.FindCandidateMethods(ctx, id, 1, models.Options{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = s.FindCandidateMethods(ctx, [4]byte{1, 2, 3, 4}, 3, models.Options{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()

	_, err := s.FindVerifiedContract(ctx, common.Address{}, models.Options{})
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.FindCandidateMethods(ctx, [4]byte{}, 3, models.Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_LoadFixtures(t *testing.T) {
	doc := `{
	  "contracts": [{
	    "address": "0x00000000000000000000000000000000000000aa",
	    "abi": [{"type":"event","name":"Ping","inputs":[{"name":"n","type":"uint"}]}],
	    "implementations": ["0x00000000000000000000000000000000000000bb"]
	  }],
	  "methods": [{"type":"event","name":"Pong","inputs":[]}],
	  "logs": [{"address":"0x00000000000000000000000000000000000000aa","data":"0x","topics":[],"index":3}]
	}`
	s := NewMemoryStore()
	fx, err := s.LoadFixtures(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, fx.Logs, 1)
	assert.Equal(t, 3, fx.Logs[0].Index)
	assert.Nil(t, fx.Logs[0].FirstTopic)

	c, err := s.FindVerifiedContract(context.Background(), common.HexToAddress("0xaa"), models.Options{})
	require.NoError(t, err)
	assert.True(t, c.IsProxy())
	assert.Equal(t, common.HexToAddress("0xbb"), c.Implementations[0])

	pong, err := abicodec.EventTopic(models.ABIEntry{Name: "Pong"})
	require.NoError(t, err)
	entries, err := s.FindCandidateMethods(context.Background(), abicodec.MethodID(pong), 3, models.Options{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
