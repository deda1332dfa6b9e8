package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Log is an event log entry as ingested from a block. Topics that were not
// emitted are nil, never the zero hash.
type Log struct {
	Address         *common.Address
	Data            []byte
	FirstTopic      *common.Hash
	SecondTopic     *common.Hash
	ThirdTopic      *common.Hash
	FourthTopic     *common.Hash
	TransactionHash common.Hash
	BlockHash       common.Hash
	Index           int
}

// Topics returns the four topic slots in emission order.
func (l *Log) Topics() [4]*common.Hash {
	return [4]*common.Hash{l.FirstTopic, l.SecondTopic, l.ThirdTopic, l.FourthTopic}
}

// IndexedTopics returns the present topics after topic-0. It fails when a
// present topic follows an absent one.
func (l *Log) IndexedTopics() ([]common.Hash, error) {
	var out []common.Hash
	gap := false
	for i, t := range []*common.Hash{l.SecondTopic, l.ThirdTopic, l.FourthTopic} {
		if t == nil {
			gap = true
			continue
		}
		if gap {
			return nil, fmt.Errorf("topic %d present after an absent topic", i+1)
		}
		out = append(out, *t)
	}
	return out, nil
}

// logJSON is the wire form of a Log: topics as an array of up to four hashes
type logJSON struct {
	Address         *common.Address `json:"address"`
	Data            hexutil.Bytes   `json:"data"`
	Topics          []*common.Hash  `json:"topics"`
	TransactionHash common.Hash     `json:"transaction_hash"`
	BlockHash       common.Hash     `json:"block_hash"`
	Index           int             `json:"index"`
}

// MarshalJSON implements json.Marshaler
func (l Log) MarshalJSON() ([]byte, error) {
	// absent slots before the last present topic stay as null
	topics := l.Topics()
	last := len(topics)
	for last > 0 && topics[last-1] == nil {
		last--
	}
	return json.Marshal(logJSON{
		Address:         l.Address,
		Data:            l.Data,
		Topics:          topics[:last],
		TransactionHash: l.TransactionHash,
		BlockHash:       l.BlockHash,
		Index:           l.Index,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (l *Log) UnmarshalJSON(b []byte) error {
	var raw logJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw.Topics) > 4 {
		return fmt.Errorf("log has %d topics, at most 4 allowed", len(raw.Topics))
	}
	*l = Log{
		Address:         raw.Address,
		Data:            raw.Data,
		TransactionHash: raw.TransactionHash,
		BlockHash:       raw.BlockHash,
		Index:           raw.Index,
	}
	slots := []**common.Hash{&l.FirstTopic, &l.SecondTopic, &l.ThirdTopic, &l.FourthTopic}
	for i, t := range raw.Topics {
		*slots[i] = t
	}
	return nil
}

// Transaction identifies the transaction that owns a log
type Transaction struct {
	Hash      common.Hash `json:"hash"`
	BlockHash common.Hash `json:"block_hash"`
}

// TransactionOf derives the owning transaction from the log's own fields.
func TransactionOf(l *Log) Transaction {
	return Transaction{Hash: l.TransactionHash, BlockHash: l.BlockHash}
}

// Options is passed through unchanged to the store collaborators.
type Options struct {
	// UseReplica routes store reads to the read replica when one is configured.
	UseReplica bool `json:"use_replica"`
}

// ABIInput represents an ABI input parameter
type ABIInput struct {
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	Indexed      bool       `json:"indexed,omitempty"`      // For events
	InternalType string     `json:"internalType,omitempty"` // For structs
	Components   []ABIInput `json:"components,omitempty"`
}

// ABIEntry represents a function or event definition of an ABI
type ABIEntry struct {
	Name      string     `json:"name,omitempty"`
	Type      string     `json:"type"` // function, event, constructor, etc.
	Inputs    []ABIInput `json:"inputs"`
	Anonymous bool       `json:"anonymous,omitempty"`
}

// IsEvent reports whether the entry can be matched against a topic-0 hash.
func (e ABIEntry) IsEvent() bool {
	return e.Type == "event" && !e.Anonymous
}

// ABI is the ordered list of entries of a contract
type ABI []ABIEntry

// ParseABI parses a JSON ABI document.
func ParseABI(raw []byte) (ABI, error) {
	var abi ABI
	if err := json.Unmarshal(raw, &abi); err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return abi, nil
}

// DecodedParam is one entry of a decoded mapping
type DecodedParam struct {
	Name    string
	Type    string
	Indexed bool
	Value   interface{}
}

// MarshalJSON renders the value in a JSON friendly form
func (p DecodedParam) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name    string      `json:"name"`
		Type    string      `json:"type"`
		Indexed bool        `json:"indexed"`
		Value   interface{} `json:"value"`
	}{p.Name, p.Type, p.Indexed, RenderValue(p.Value)})
}

// RenderValue converts a decoded value into JSON friendly primitives:
// integers as decimal strings, bytes as 0x-hex, lists recursively.
func RenderValue(v interface{}) interface{} {
	switch val := v.(type) {
	case *big.Int:
		return val.String()
	case common.Address:
		return val.Hex()
	case []byte:
		return hexutil.Encode(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = RenderValue(e)
		}
		return out
	default:
		return val
	}
}

// Decoded is a successful decode of a log against one ABI event
type Decoded struct {
	MethodID string         `json:"method_id"` // lower-case hex of the leading 4 bytes of topic-0
	Text     string         `json:"text"`
	Mapping  []DecodedParam `json:"mapping"`
}

// ResultKind tags the variant held by a DecodeResult
type ResultKind int

const (
	ResultCouldNotDecode ResultKind = iota
	ResultDecoded
	ResultContractNotVerified
)

func (k ResultKind) String() string {
	switch k {
	case ResultDecoded:
		return "decoded"
	case ResultContractNotVerified:
		return "contract_not_verified"
	default:
		return "could_not_decode"
	}
}

// DecodeResult is Decoded | NotDecodable | ContractNotVerified{candidates}.
type DecodeResult struct {
	Kind       ResultKind
	Decoded    *Decoded
	Candidates []Decoded
}

// NotDecodable returns the CouldNotDecode variant
func NotDecodable() DecodeResult {
	return DecodeResult{Kind: ResultCouldNotDecode}
}

// DecodedResult returns the Decoded variant
func DecodedResult(d Decoded) DecodeResult {
	return DecodeResult{Kind: ResultDecoded, Decoded: &d}
}

// ContractNotVerified returns the candidate variant. An empty candidate list
// is a valid value.
func ContractNotVerified(candidates []Decoded) DecodeResult {
	if candidates == nil {
		candidates = []Decoded{}
	}
	return DecodeResult{Kind: ResultContractNotVerified, Candidates: candidates}
}

// MarshalJSON implements json.Marshaler
func (r DecodeResult) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"status": r.Kind.String(),
	}
	switch r.Kind {
	case ResultDecoded:
		out["method_id"] = r.Decoded.MethodID
		out["text"] = r.Decoded.Text
		out["mapping"] = r.Decoded.Mapping
	case ResultContractNotVerified:
		out["candidates"] = r.Candidates
	}
	return json.Marshal(out)
}

// ToJSON converts any value to a JSON string
func ToJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(string(b))
}
