package abicodec

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const wordSize = 32

// maxHeadSize caps computed head sizes. Fixed array sizes come from untrusted
// ABI fragments and nested ones would otherwise overflow int.
const maxHeadSize = 1 << 40

var (
	ErrShortData       = errors.New("abicodec: data too short")
	ErrInvalidOffset   = errors.New("abicodec: invalid offset")
	ErrBadBool         = errors.New("abicodec: improperly encoded boolean value")
	ErrOverflow        = errors.New("abicodec: value exceeds type width")
	ErrUnsupportedType = errors.New("abicodec: unsupported type")
)

var (
	two256   = new(big.Int).Lsh(big.NewInt(1), 256)
	maxInt64 = big.NewInt(int64(^uint64(0) >> 1))
)

// DecodeArguments decodes the head/tail encoded sequence of the given types.
//
// Values are *big.Int for integers, common.Address, bool, []byte for bytes
// and fixed bytes, string, and []interface{} for arrays and tuples.
func DecodeArguments(types []abi.Type, data []byte) ([]interface{}, error) {
	return decodeTuple(types, data)
}

// DecodeTopic decodes an indexed parameter from its topic word. Dynamic and
// composite types are stored hashed in topics, so their value is the raw hash.
func DecodeTopic(typ abi.Type, topic common.Hash) (interface{}, error) {
	if hashedInTopic(typ) {
		return common.CopyBytes(topic[:]), nil
	}
	return decodeStatic(typ, topic[:], 0)
}

func hashedInTopic(typ abi.Type) bool {
	switch typ.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy, abi.ArrayTy, abi.TupleTy:
		return true
	}
	return false
}

// IsDynamic reports whether the type is encoded in the tail section.
func IsDynamic(typ abi.Type) bool {
	switch typ.T {
	case abi.StringTy, abi.BytesTy, abi.SliceTy:
		return true
	case abi.ArrayTy:
		return IsDynamic(*typ.Elem)
	case abi.TupleTy:
		for _, e := range typ.TupleElems {
			if IsDynamic(*e) {
				return true
			}
		}
	}
	return false
}

// headSize is the number of bytes a type occupies in the head section,
// saturated at maxHeadSize.
func headSize(typ abi.Type) int {
	if IsDynamic(typ) {
		return wordSize
	}
	switch typ.T {
	case abi.ArrayTy:
		elem := headSize(*typ.Elem)
		if typ.Size < 0 || (elem > 0 && typ.Size > maxHeadSize/elem) {
			return maxHeadSize
		}
		return typ.Size * elem
	case abi.TupleTy:
		total := 0
		for _, e := range typ.TupleElems {
			total += headSize(*e)
			if total >= maxHeadSize {
				return maxHeadSize
			}
		}
		return total
	}
	return wordSize
}

func decodeTuple(types []abi.Type, data []byte) ([]interface{}, error) {
	values := make([]interface{}, len(types))
	head := 0
	for i, typ := range types {
		var (
			v   interface{}
			err error
		)
		if IsDynamic(typ) {
			var off int
			off, err = readOffset(data, head)
			if err == nil {
				v, err = decodeDynamic(typ, data[off:])
			}
		} else {
			v, err = decodeStatic(typ, data, head)
		}
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, typ.String(), err)
		}
		values[i] = v
		head += headSize(typ)
	}
	return values, nil
}

func decodeDynamic(typ abi.Type, b []byte) (interface{}, error) {
	switch typ.T {
	case abi.StringTy, abi.BytesTy:
		n, err := readLength(b, 0)
		if err != nil {
			return nil, err
		}
		if n > len(b)-wordSize {
			return nil, ErrShortData
		}
		content := common.CopyBytes(b[wordSize : wordSize+n])
		if typ.T == abi.StringTy {
			return string(content), nil
		}
		return content, nil
	case abi.SliceTy:
		n, err := readLength(b, 0)
		if err != nil {
			return nil, err
		}
		// every element takes at least one head word
		if n > (len(b)-wordSize)/wordSize {
			return nil, ErrShortData
		}
		return decodeList(*typ.Elem, n, b[wordSize:])
	case abi.ArrayTy:
		if typ.Size < 0 || typ.Size > len(b)/wordSize {
			return nil, ErrShortData
		}
		return decodeList(*typ.Elem, typ.Size, b)
	case abi.TupleTy:
		return decodeTuple(derefTypes(typ.TupleElems), b)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ.String())
}

func decodeList(elem abi.Type, n int, b []byte) ([]interface{}, error) {
	types := make([]abi.Type, n)
	for i := range types {
		types[i] = elem
	}
	return decodeTuple(types, b)
}

func decodeStatic(typ abi.Type, data []byte, pos int) (interface{}, error) {
	switch typ.T {
	case abi.ArrayTy, abi.TupleTy:
		// the whole value must be present before anything is allocated
		if pos < 0 || headSize(typ) > len(data)-pos {
			return nil, ErrShortData
		}
	}

	switch typ.T {
	case abi.ArrayTy:
		out := make([]interface{}, typ.Size)
		for i := range out {
			v, err := decodeStatic(*typ.Elem, data, pos)
			if err != nil {
				return nil, err
			}
			out[i] = v
			pos += headSize(*typ.Elem)
		}
		return out, nil
	case abi.TupleTy:
		out := make([]interface{}, len(typ.TupleElems))
		for i, e := range typ.TupleElems {
			v, err := decodeStatic(*e, data, pos)
			if err != nil {
				return nil, err
			}
			out[i] = v
			pos += headSize(*e)
		}
		return out, nil
	}

	word, err := readWord(data, pos)
	if err != nil {
		return nil, err
	}
	switch typ.T {
	case abi.UintTy:
		return readUint(word, typ.Size)
	case abi.IntTy:
		return readInt(word, typ.Size)
	case abi.BoolTy:
		return readBool(word)
	case abi.AddressTy:
		return common.BytesToAddress(word[12:]), nil
	case abi.FixedBytesTy:
		return common.CopyBytes(word[:typ.Size]), nil
	case abi.FunctionTy:
		return common.CopyBytes(word[:24]), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, typ.String())
}

func readWord(data []byte, pos int) ([]byte, error) {
	if pos < 0 || pos+wordSize > len(data) {
		return nil, ErrShortData
	}
	return data[pos : pos+wordSize], nil
}

// readLength reads a word that must fit in a non-negative int.
func readLength(data []byte, pos int) (int, error) {
	word, err := readWord(data, pos)
	if err != nil {
		return 0, err
	}
	v := new(big.Int).SetBytes(word)
	if v.Cmp(maxInt64) > 0 {
		return 0, ErrInvalidOffset
	}
	return int(v.Int64()), nil
}

func readOffset(data []byte, pos int) (int, error) {
	off, err := readLength(data, pos)
	if err != nil {
		return 0, err
	}
	if off > len(data) {
		return 0, ErrInvalidOffset
	}
	return off, nil
}

func readUint(word []byte, bits int) (*big.Int, error) {
	v := new(big.Int).SetBytes(word)
	if v.BitLen() > bits {
		return nil, ErrOverflow
	}
	return v, nil
}

func readInt(word []byte, bits int) (*big.Int, error) {
	v := new(big.Int).SetBytes(word)
	if word[0]&0x80 != 0 {
		v.Sub(v, two256)
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits-1))
	if v.Cmp(limit) >= 0 || v.Cmp(new(big.Int).Neg(limit)) < 0 {
		return nil, ErrOverflow
	}
	return v, nil
}

// readBool converts a 32-byte word to a boolean value. Valid encodings have
// all bytes but the last set to zero and the last set to 0 or 1.
func readBool(word []byte) (bool, error) {
	for _, b := range word[:31] {
		if b != 0 {
			return false, ErrBadBool
		}
	}
	switch word[31] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrBadBool
	}
}

func derefTypes(elems []*abi.Type) []abi.Type {
	out := make([]abi.Type, len(elems))
	for i, e := range elems {
		out[i] = *e
	}
	return out
}
