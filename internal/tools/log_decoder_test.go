package tools

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/store"
)

func newTestDecoder(t *testing.T, s *countingStore, sigs *fakeSignatureService) *LogDecoder {
	t.Helper()
	logger, _ := bufferLogger()
	return NewLogDecoder(s, s, sigs, Config{StoreTimeout: time.Second, SignatureTimeout: time.Second}, logger)
}

func decodeOnce(t *testing.T, l *LogDecoder, log models.Log, skip bool) models.DecodeResult {
	t.Helper()
	result, _, _ := l.Decode(context.Background(), &log, models.TransactionOf(&log), models.Options{}, skip, nil, nil)
	return result
}

func TestLogDecoder_DecodesWithVerifiedABI(t *testing.T) {
	s := newCountingStore()
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractA, ABI: models.ABI{erc20Transfer()}}))
	sigs := &fakeSignatureService{enabled: true}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 1000), false)

	require.Equal(t, models.ResultDecoded, result.Kind)
	assert.Equal(t, "ddf252ad", result.Decoded.MethodID)
	assert.Equal(t, "Transfer(address indexed from, address indexed to, uint256 value)", result.Decoded.Text)
	names := []string{}
	for _, p := range result.Decoded.Mapping {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"from", "to", "value"}, names)
	assert.Equal(t, alice, result.Decoded.Mapping[0].Value)
	assert.Equal(t, bob, result.Decoded.Mapping[1].Value)
	assert.Equal(t, 0, big.NewInt(1000).Cmp(result.Decoded.Mapping[2].Value.(*big.Int)))

	assert.EqualValues(t, 0, s.methodCalls.Load())
	assert.EqualValues(t, 0, sigs.calls.Load())
}

func TestLogDecoder_CandidateFromOtherContract(t *testing.T) {
	s := newCountingStore()
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractB, ABI: models.ABI{erc20Transfer()}}))
	sigs := &fakeSignatureService{enabled: true}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 5), false)

	require.Equal(t, models.ResultContractNotVerified, result.Kind)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "Transfer(address indexed from, address indexed to, uint256 value)", result.Candidates[0].Text)
	assert.EqualValues(t, 0, sigs.calls.Load())
}

func TestLogDecoder_CandidateWhenOwnABIDoesNotMatch(t *testing.T) {
	s := newCountingStore()
	approval := models.ABIEntry{Name: "Approval", Type: "event", Inputs: erc20Transfer().Inputs}
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractA, ABI: models.ABI{approval}}))
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractB, ABI: models.ABI{erc721Transfer(), erc20Transfer()}}))
	l := newTestDecoder(t, s, &fakeSignatureService{})

	result := decodeOnce(t, l, transferLog(t, contractA, 5), false)

	require.Equal(t, models.ResultContractNotVerified, result.Kind)
	require.Len(t, result.Candidates, 1)
	assert.False(t, result.Candidates[0].Mapping[2].Indexed)
}

func TestLogDecoder_NoCandidatesServiceDisabled(t *testing.T) {
	s := newCountingStore()
	sigs := &fakeSignatureService{enabled: false, fragments: []models.ABIEntry{erc20Transfer()}}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 5), false)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.EqualValues(t, 0, sigs.calls.Load())
}

func TestLogDecoder_SignatureServiceCandidate(t *testing.T) {
	s := newCountingStore()
	fragment := erc20Transfer()
	fragment.Type = ""
	sigs := &fakeSignatureService{enabled: true, fragments: []models.ABIEntry{fragment}}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 5), false)

	require.Equal(t, models.ResultContractNotVerified, result.Kind)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "ddf252ad", result.Candidates[0].MethodID)
	assert.EqualValues(t, 1, sigs.calls.Load())
}

func TestLogDecoder_SkipSignatureService(t *testing.T) {
	s := newCountingStore()
	sigs := &fakeSignatureService{enabled: true, fragments: []models.ABIEntry{erc20Transfer()}}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 5), true)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.EqualValues(t, 0, sigs.calls.Load())
}

func TestLogDecoder_FullFallbackAfterSkippedSearch(t *testing.T) {
	s := newCountingStore()
	sigs := &fakeSignatureService{enabled: true, fragments: []models.ABIEntry{erc20Transfer()}}
	l := newTestDecoder(t, s, sigs)
	ctx := context.Background()
	log := transferLog(t, contractA, 5)
	tx := models.TransactionOf(&log)

	result, abiCache, candidateCache := l.Decode(ctx, &log, tx, models.Options{}, true, nil, nil)
	require.Equal(t, models.ResultCouldNotDecode, result.Kind)

	// cached empty search, the service is asked in full mode
	result, _, _ = l.Decode(ctx, &log, tx, models.Options{}, false, abiCache, candidateCache)
	require.Equal(t, models.ResultContractNotVerified, result.Kind)
	assert.Len(t, result.Candidates, 1)
	assert.EqualValues(t, 1, sigs.calls.Load())
	assert.EqualValues(t, 1, s.methodCalls.Load())
}

func TestLogDecoder_MalformedData(t *testing.T) {
	s := newCountingStore()
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractA, ABI: models.ABI{erc20Transfer()}}))
	logger, buf := bufferLogger()
	l := NewLogDecoder(s, s, &fakeSignatureService{}, Config{}, logger)

	log := transferLog(t, contractA, 1000)
	log.Data = log.Data[:20]
	result, _, _ := l.Decode(context.Background(), &log, models.TransactionOf(&log), models.Options{}, false, nil, nil)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.Contains(t, buf.String(), "could not decode log data")
	assert.Contains(t, buf.String(), txHash.Hex())
}

func TestLogDecoder_AbsentFirstTopic(t *testing.T) {
	s := newCountingStore()
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractA, ABI: models.ABI{erc20Transfer()}}))
	sigs := &fakeSignatureService{enabled: true, fragments: []models.ABIEntry{erc20Transfer()}}
	l := newTestDecoder(t, s, sigs)

	log := transferLog(t, contractA, 1)
	log.FirstTopic = nil
	result := decodeOnce(t, l, log, false)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.EqualValues(t, 0, s.methodCalls.Load())
	assert.EqualValues(t, 0, sigs.calls.Load())
}

func TestLogDecoder_NilAddress(t *testing.T) {
	s := newCountingStore()
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractB, ABI: models.ABI{erc20Transfer()}}))
	l := newTestDecoder(t, s, &fakeSignatureService{})

	log := transferLog(t, contractA, 1)
	log.Address = nil
	result := decodeOnce(t, l, log, false)

	assert.Equal(t, models.ResultContractNotVerified, result.Kind)
	assert.EqualValues(t, 0, s.contractCalls.Load())
}

func TestLogDecoder_CacheIdempotence(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(t *testing.T, s *countingStore, sigs *fakeSignatureService)
		want  models.ResultKind
	}{
		{
			name: "verified",
			setup: func(t *testing.T, s *countingStore, sigs *fakeSignatureService) {
				require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractA, ABI: models.ABI{erc20Transfer()}}))
			},
			want: models.ResultDecoded,
		},
		{
			name: "stored candidate",
			setup: func(t *testing.T, s *countingStore, sigs *fakeSignatureService) {
				require.NoError(t, s.AddMethod(erc20Transfer()))
			},
			want: models.ResultContractNotVerified,
		},
		{
			name: "signature service candidate",
			setup: func(t *testing.T, s *countingStore, sigs *fakeSignatureService) {
				sigs.fragments = []models.ABIEntry{erc20Transfer()}
			},
			want: models.ResultContractNotVerified,
		},
		{
			name:  "nothing",
			setup: func(t *testing.T, s *countingStore, sigs *fakeSignatureService) {},
			want:  models.ResultCouldNotDecode,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newCountingStore()
			sigs := &fakeSignatureService{enabled: true}
			tc.setup(t, s, sigs)
			l := newTestDecoder(t, s, sigs)
			ctx := context.Background()
			log := transferLog(t, contractA, 1000)
			tx := models.TransactionOf(&log)

			first, abiCache, candidateCache := l.Decode(ctx, &log, tx, models.Options{}, false, NewABICache(), NewCandidateCache())
			require.Equal(t, tc.want, first.Kind)
			contractCalls, methodCalls, sigCalls := s.contractCalls.Load(), s.methodCalls.Load(), sigs.calls.Load()

			second, _, _ := l.Decode(ctx, &log, tx, models.Options{}, false, abiCache, candidateCache)
			assert.Equal(t, first, second)
			assert.Equal(t, contractCalls, s.contractCalls.Load())
			assert.Equal(t, methodCalls, s.methodCalls.Load())
			assert.Equal(t, sigCalls, sigs.calls.Load())
		})
	}
}

func TestLogDecoder_CandidateKeyCollision(t *testing.T) {
	// Two topics sharing the leading 4 bytes share a candidate cache entry
	// when the other topics are equal. The second log is answered from the
	// first log's result even though its full topic-0 matches nothing.
	s := newCountingStore()
	require.NoError(t, s.AddMethod(erc20Transfer()))
	l := newTestDecoder(t, s, &fakeSignatureService{})
	ctx := context.Background()

	log := transferLog(t, contractA, 1)
	first, abiCache, candidateCache := l.Decode(ctx, &log, models.TransactionOf(&log), models.Options{}, false, nil, nil)
	require.Equal(t, models.ResultContractNotVerified, first.Kind)
	require.Len(t, first.Candidates, 1)

	forged := *log.FirstTopic
	forged[31] ^= 0xff
	other := transferLog(t, contractA, 2)
	other.FirstTopic = &forged

	second, _, _ := l.Decode(ctx, &other, models.TransactionOf(&other), models.Options{}, false, abiCache, candidateCache)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, s.methodCalls.Load())

	fresh := decodeOnce(t, l, other, false)
	assert.Equal(t, models.ResultCouldNotDecode, fresh.Kind)
}

func TestLogDecoder_CollaboratorFailuresFoldIntoNoResult(t *testing.T) {
	s := newCountingStore()
	s.err = errors.New("connection refused")
	sigs := &fakeSignatureService{enabled: true, err: errors.New("bad gateway")}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 1), false)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.EqualValues(t, 1, s.contractCalls.Load())
	assert.EqualValues(t, 1, s.methodCalls.Load())
	// the failed candidates-only call leaves the full-mode call its retry
	assert.EqualValues(t, 2, sigs.calls.Load())
}

func TestLogDecoder_SignatureServiceTimeout(t *testing.T) {
	s := newCountingStore()
	sigs := &fakeSignatureService{enabled: true, block: true}
	logger, _ := bufferLogger()
	l := NewLogDecoder(s, s, sigs, Config{SignatureTimeout: 20 * time.Millisecond}, logger)

	start := time.Now()
	result := decodeOnce(t, l, transferLog(t, contractA, 1), false)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 2, sigs.calls.Load())
}

func TestLogDecoder_EmptyAnswerIsNotAskedTwice(t *testing.T) {
	s := newCountingStore()
	sigs := &fakeSignatureService{enabled: true}
	l := newTestDecoder(t, s, sigs)

	result := decodeOnce(t, l, transferLog(t, contractA, 1), false)

	assert.Equal(t, models.ResultCouldNotDecode, result.Kind)
	assert.EqualValues(t, 1, sigs.calls.Load())
}

func TestLogDecoder_DecodeBatchParallel(t *testing.T) {
	s := newCountingStore()
	require.NoError(t, s.AddContract(store.VerifiedContract{Address: contractA, ABI: models.ABI{erc20Transfer()}}))
	require.NoError(t, s.AddMethod(erc721Transfer()))
	l := newTestDecoder(t, s, &fakeSignatureService{})

	var logs []models.Log
	for i := 0; i < 10; i++ {
		switch i % 3 {
		case 0:
			logs = append(logs, transferLog(t, contractA, int64(i)))
		case 1:
			nft := transferLog(t, contractB, 0)
			nft.Data = nil
			nft.FourthTopic = hashPtr(common.BigToHash(big.NewInt(int64(i))))
			logs = append(logs, nft)
		default:
			broken := transferLog(t, contractB, int64(i))
			broken.FirstTopic = nil
			logs = append(logs, broken)
		}
		logs[i].Index = i
	}
	req := BatchRequest{Logs: logs}

	sequential := l.DecodeBatch(context.Background(), req)
	parallel, err := l.DecodeBatchParallel(context.Background(), req, 4)
	require.NoError(t, err)

	require.Len(t, parallel, len(logs))
	assert.Equal(t, sequential, parallel)
	assert.Equal(t, models.ResultDecoded, parallel[0].Kind)
	assert.Equal(t, models.ResultContractNotVerified, parallel[1].Kind)
	assert.Equal(t, models.ResultCouldNotDecode, parallel[2].Kind)
}

func TestLogDecoder_Stages(t *testing.T) {
	l := newTestDecoder(t, newCountingStore(), &fakeSignatureService{})
	var names []string
	for _, stage := range l.Stages() {
		names = append(names, stage.Name())
		assert.NotEmpty(t, stage.Description())
	}
	assert.Equal(t, []string{"abi_registry", "event_decoder", "candidate_resolver", "signature_fallback"}, names)
}
