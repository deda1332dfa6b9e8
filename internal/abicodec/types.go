// Package abicodec decodes ABI encoded event parameters.
//
// Parameter types are parsed into go-ethereum's abi.Type, which is a tagged
// union over the ABI type kinds (abi.Type.T). Decoding dispatches explicitly
// on that tag and recurses into array elements and tuple components.
package abicodec

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/txplain/logdecoder/internal/models"
)

// CanonicalType expands the uint/int/byte aliases, including array forms
// such as "uint[]" or "int[2][]".
func CanonicalType(t string) string {
	t = strings.ReplaceAll(strings.TrimSpace(t), " ", "")
	base, suffix := t, ""
	if i := strings.IndexByte(t, '['); i >= 0 {
		base, suffix = t[:i], t[i:]
	}
	switch base {
	case "uint":
		base = "uint256"
	case "int":
		base = "int256"
	case "byte":
		base = "bytes1"
	}
	return base + suffix
}

// NewType parses an ABI input into its type descriptor.
func NewType(in models.ABIInput) (abi.Type, error) {
	typ, err := abi.NewType(CanonicalType(in.Type), in.InternalType, toMarshaling(in.Components))
	if err != nil {
		return abi.Type{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedType, in.Type, err)
	}
	return typ, nil
}

// toMarshaling converts tuple components. go-ethereum requires every tuple
// field to map onto an exported Go identifier, so unnamed or odd names get a
// positional placeholder. Only the types take part in signatures.
func toMarshaling(components []models.ABIInput) []abi.ArgumentMarshaling {
	if len(components) == 0 {
		return nil
	}
	out := make([]abi.ArgumentMarshaling, len(components))
	for i, c := range components {
		name := c.Name
		if !usableFieldName(name) {
			name = fmt.Sprintf("field%d", i)
		}
		out[i] = abi.ArgumentMarshaling{
			Name:         name,
			Type:         CanonicalType(c.Type),
			InternalType: c.InternalType,
			Components:   toMarshaling(c.Components),
			Indexed:      c.Indexed,
		}
	}
	return out
}

func usableFieldName(name string) bool {
	camel := abi.ToCamelCase(name)
	if camel == "" {
		return false
	}
	for i, r := range camel {
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}

// Types parses the type descriptors of all inputs of an entry, in order.
func Types(entry models.ABIEntry) ([]abi.Type, error) {
	types := make([]abi.Type, len(entry.Inputs))
	for i, in := range entry.Inputs {
		typ, err := NewType(in)
		if err != nil {
			return nil, err
		}
		types[i] = typ
	}
	return types, nil
}

// CanonicalSignature renders "Name(type1,type2,...)" as used for hashing.
func CanonicalSignature(entry models.ABIEntry) (string, error) {
	types, err := Types(entry)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = t.String()
	}
	return fmt.Sprintf("%s(%s)", entry.Name, strings.Join(parts, ",")), nil
}

// EventTopic returns the topic-0 hash of an event entry.
func EventTopic(entry models.ABIEntry) (common.Hash, error) {
	sig, err := CanonicalSignature(entry)
	if err != nil {
		return common.Hash{}, err
	}
	return Keccak256([]byte(sig)), nil
}

// Keccak256 hashes the concatenation of the given byte slices.
func Keccak256(data ...[]byte) common.Hash {
	hash := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hash.Write(d)
	}
	var h common.Hash
	hash.Sum(h[:0])
	return h
}

// MethodID returns the leading 4 bytes of a topic hash.
func MethodID(topic common.Hash) [4]byte {
	var id [4]byte
	copy(id[:], topic[:4])
	return id
}

// MethodIDHex renders a method id as lower-case hex without prefix.
func MethodIDHex(id [4]byte) string {
	return hex.EncodeToString(id[:])
}
