package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/txplain/logdecoder/internal/abicodec"
	"github.com/txplain/logdecoder/internal/models"
)

// ErrCouldNotDecode is the single failure of every decode stage
var ErrCouldNotDecode = errors.New("could not decode log")

// EventDecoder matches a log against the events of an ABI and decodes its
// topics and data.
type EventDecoder struct {
	logger zerolog.Logger
}

// NewEventDecoder creates a new event decoder
func NewEventDecoder(logger zerolog.Logger) *EventDecoder {
	d := &EventDecoder{}
	d.logger = logger.With().Str("component", d.Name()).Logger()
	return d
}

// Name returns the stage name
func (d *EventDecoder) Name() string {
	return "event_decoder"
}

// Description returns the stage description
func (d *EventDecoder) Description() string {
	return "Decodes log topics and data against the events of an ABI"
}

// eventMatch is an ABI event with its parsed parameter types
type eventMatch struct {
	entry models.ABIEntry
	types []abi.Type
}

// EventIndex groups the events of an ABI by topic-0 hash, in declaration
// order. Build it once per ABI and reuse it for every log of the contract.
type EventIndex struct {
	byTopic map[common.Hash][]eventMatch
}

// NewEventIndex parses and hashes every event of the ABI. Events whose types
// cannot be parsed are skipped.
func NewEventIndex(contractABI models.ABI, logger zerolog.Logger) *EventIndex {
	idx := &EventIndex{byTopic: make(map[common.Hash][]eventMatch)}
	for _, entry := range contractABI {
		if !entry.IsEvent() {
			continue
		}
		match, topic, err := parseEvent(entry)
		if err != nil {
			logger.Debug().Str("event", entry.Name).Err(err).Msg("skipping event with unsupported types")
			continue
		}
		idx.byTopic[topic] = append(idx.byTopic[topic], match)
	}
	return idx
}

// Len returns the number of indexed events
func (idx *EventIndex) Len() int {
	n := 0
	for _, matches := range idx.byTopic {
		n += len(matches)
	}
	return n
}

func (idx *EventIndex) lookup(topic common.Hash) []eventMatch {
	if idx == nil {
		return nil
	}
	return idx.byTopic[topic]
}

// parseEvent recovers from type constructions go-ethereum rejects by panicking
func parseEvent(entry models.ABIEntry) (match eventMatch, topic common.Hash, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid event types: %v", r)
		}
	}()

	types, err := abicodec.Types(entry)
	if err != nil {
		return eventMatch{}, common.Hash{}, err
	}
	topic, err = abicodec.EventTopic(entry)
	if err != nil {
		return eventMatch{}, common.Hash{}, err
	}
	return eventMatch{entry: entry, types: types}, topic, nil
}

// Decode decodes the log against the events of the ABI. See DecodeIndexed.
func (d *EventDecoder) Decode(contractABI models.ABI, log *models.Log, txHash common.Hash) (models.Decoded, error) {
	return d.DecodeIndexed(NewEventIndex(contractABI, d.logger), log, txHash)
}

// DecodeIndexed decodes the log against the first indexed event whose topic
// hash equals the log's first topic and whose indexed parameter count equals
// the number of topics present. Any failure is reported as ErrCouldNotDecode.
func (d *EventDecoder) DecodeIndexed(events *EventIndex, log *models.Log, txHash common.Hash) (decoded models.Decoded, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.fail(log, txHash, fmt.Errorf("panic while decoding: %v", r))
			decoded = models.Decoded{}
		}
	}()

	if log.FirstTopic == nil {
		return models.Decoded{}, fmt.Errorf("%w: log has no first topic", ErrCouldNotDecode)
	}
	topics, err := log.IndexedTopics()
	if err != nil {
		return models.Decoded{}, d.fail(log, txHash, err)
	}

	matches := events.lookup(*log.FirstTopic)
	if len(matches) == 0 {
		d.logger.Debug().
			Str("transaction_hash", txHash.Hex()).
			Int("log_index", log.Index).
			Str("topic", log.FirstTopic.Hex()).
			Msg("no matching event")
		return models.Decoded{}, fmt.Errorf("%w: no event matches topic %s", ErrCouldNotDecode, log.FirstTopic.Hex())
	}

	// ERC20 and ERC721 Transfer share a topic and differ only in indexing
	var match *eventMatch
	for i := range matches {
		if countIndexed(matches[i].entry) == len(topics) {
			match = &matches[i]
			break
		}
	}
	if match == nil {
		d.logger.Debug().
			Str("transaction_hash", txHash.Hex()).
			Int("log_index", log.Index).
			Int("topics", len(topics)).
			Msg("indexed parameter count does not match topics")
		return models.Decoded{}, fmt.Errorf("%w: %d indexed topics match no event layout", ErrCouldNotDecode, len(topics))
	}

	mapping, err := decodeParams(match, topics, log.Data)
	if err != nil {
		return models.Decoded{}, d.fail(log, txHash, err)
	}

	return models.Decoded{
		MethodID: abicodec.MethodIDHex(abicodec.MethodID(*log.FirstTopic)),
		Text:     signatureText(match.entry.Name, mapping),
		Mapping:  mapping,
	}, nil
}

// fail emits the decode warning and wraps the cause
func (d *EventDecoder) fail(log *models.Log, txHash common.Hash, cause error) error {
	ev := d.logger.Warn().
		Str("transaction_hash", txHash.Hex()).
		Int("log_index", log.Index)
	if log.Address != nil {
		ev = ev.Str("address", log.Address.Hex())
	}
	ev.Err(cause).Msg("could not decode log data")
	return fmt.Errorf("%w: %v", ErrCouldNotDecode, cause)
}

func countIndexed(entry models.ABIEntry) int {
	n := 0
	for _, in := range entry.Inputs {
		if in.Indexed {
			n++
		}
	}
	return n
}

// decodeParams decodes indexed parameters from topics and the rest from data,
// keeping declaration order.
func decodeParams(match *eventMatch, topics []common.Hash, data []byte) ([]models.DecodedParam, error) {
	var dataTypes []abi.Type
	for i, in := range match.entry.Inputs {
		if !in.Indexed {
			dataTypes = append(dataTypes, match.types[i])
		}
	}
	dataValues, err := abicodec.DecodeArguments(dataTypes, data)
	if err != nil {
		return nil, err
	}

	mapping := make([]models.DecodedParam, len(match.entry.Inputs))
	topicIdx, dataIdx := 0, 0
	for i, in := range match.entry.Inputs {
		typ := match.types[i]
		param := models.DecodedParam{
			Name:    in.Name,
			Type:    typ.String(),
			Indexed: in.Indexed,
		}
		if in.Indexed {
			value, err := abicodec.DecodeTopic(typ, topics[topicIdx])
			if err != nil {
				return nil, fmt.Errorf("indexed parameter %q: %w", in.Name, err)
			}
			param.Value = value
			topicIdx++
		} else {
			param.Value = dataValues[dataIdx]
			dataIdx++
		}
		mapping[i] = param
	}
	return mapping, nil
}

// signatureText renders "Name(type indexed name, type name)"
func signatureText(name string, mapping []models.DecodedParam) string {
	parts := make([]string, len(mapping))
	for i, p := range mapping {
		var b strings.Builder
		b.WriteString(p.Type)
		if p.Indexed {
			b.WriteString(" indexed")
		}
		if p.Name != "" {
			b.WriteString(" ")
			b.WriteString(p.Name)
		}
		parts[i] = b.String()
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
