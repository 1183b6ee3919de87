package blockstore

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"github.com/PISAresearch/pisa-sub003/internal/errs"
)

// Value is the universe of things the block-item store can serialize:
// primitives, ordered sequences, string-keyed mappings, and tagged
// records (§4.1 "Serialization supports..."). It is an unrestricted
// interface{} at the Go level, but only the concrete shapes handled by
// Encode are accepted; anything else is a programming error.
type Value = interface{}

// List is an ordered sequence of Values.
type List []Value

// Mapping is a string-keyed map of Values. Keys are sorted before encoding
// so that two maps with identical contents always produce identical bytes.
type Mapping map[string]Value

// Tagged is a registry-dispatched record: Tag identifies which
// Deserializer in the Registry should reconstruct it, Fields carries its
// payload.
type Tagged struct {
	Tag    string
	Fields Mapping
}

const (
	tagNil byte = iota
	tagBool
	tagUint64
	tagInt64
	tagString
	tagBytes
	tagList
	tagMapping
	tagTagged
)

// Err namespaces codec failures.
var Err = errs.NewErrorType("blockstore")

// ErrUnknownTag signals a Tagged record whose Tag has no registered
// Deserializer. Per §4.1, this is fatal: a reader should not guess at the
// shape of data it doesn't recognize.
var ErrUnknownTag = Err.CodeWithDetail("ErrUnknownTag", "unknown tagged-record type during deserialization")

// ErrMalformed signals a truncated or structurally invalid encoding.
var ErrMalformed = Err.CodeWithDetail("ErrMalformed", "malformed serialized value")

// Deserializer reconstructs a concrete Go value from a Tagged record's
// Fields. Registered once per tag via Register.
type Deserializer func(fields Mapping) (interface{}, error)

// Registry maps a type tag to the Deserializer that understands it,
// mirroring §4.1's "tag registry" and the Design Notes' "Central registry
// tag -> deserializer; registering an unknown tag at read-time is fatal."
type Registry struct {
	byTag map[string]Deserializer
}

// NewRegistry creates a Registry pre-populated with the default bigint
// codec (§9 Design Notes: "Default registry includes a big-integer tag").
func NewRegistry() *Registry {
	r := &Registry{byTag: make(map[string]Deserializer)}
	r.Register("bigint", func(f Mapping) (interface{}, error) {
		hexStr, _ := f["hex"].(string)
		n, ok := new(big.Int).SetString(hexStr, 16)
		if !ok {
			return nil, fmt.Errorf("invalid bigint hex %q", hexStr)
		}
		return n, nil
	})
	return r
}

// Register installs a Deserializer for tag. Registering a tag that is
// already registered, with any function, is a programming error and panics
// immediately rather than silently shadowing the earlier registration.
func (r *Registry) Register(tag string, d Deserializer) {
	if _, exists := r.byTag[tag]; exists {
		panic("blockstore: duplicate tag registration: " + tag)
	}
	r.byTag[tag] = d
}

// TagBigInt wraps n as a Tagged record the default registry can decode.
func TagBigInt(n *big.Int) Tagged {
	return Tagged{Tag: "bigint", Fields: Mapping{"hex": n.Text(16)}}
}

// Encode serializes v into the block-item store's on-disk wire format.
func Encode(v Value) ([]byte, error) {
	var buf []byte
	var err error
	buf, err = encodeInto(buf, v)
	return buf, err
}

func encodeInto(buf []byte, v Value) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(buf, tagNil), nil
	case bool:
		buf = append(buf, tagBool)
		if x {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case uint64:
		buf = append(buf, tagUint64)
		return binary.AppendUvarint(buf, x), nil
	case int64:
		buf = append(buf, tagInt64)
		return binary.AppendVarint(buf, x), nil
	case string:
		buf = append(buf, tagString)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...), nil
	case []byte:
		buf = append(buf, tagBytes)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		return append(buf, x...), nil
	case List:
		buf = append(buf, tagList)
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		var err error
		for _, item := range x {
			buf, err = encodeInto(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return buf, nil
	case Mapping:
		return encodeMapping(buf, tagMapping, x)
	case Tagged:
		buf = append(buf, tagTagged)
		buf = binary.AppendUvarint(buf, uint64(len(x.Tag)))
		buf = append(buf, x.Tag...)
		return encodeMapping(buf, 0, x.Fields)
	default:
		return nil, fmt.Errorf("blockstore: unsupported value type %T", v)
	}
}

func encodeMapping(buf []byte, selfTag byte, m Mapping) ([]byte, error) {
	if selfTag != 0 {
		buf = append(buf, selfTag)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.AppendUvarint(buf, uint64(len(keys)))
	var err error
	for _, k := range keys {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		buf, err = encodeInto(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Decode reconstructs a Value previously produced by Encode, dispatching
// Tagged records through reg. A Tagged record whose tag reg does not know
// is a fatal ErrUnknownTag (§4.1).
func Decode(data []byte, reg *Registry) (Value, error) {
	v, rest, err := decodeFrom(data, reg)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrMalformed.New("trailing bytes after decoded value", nil)
	}
	return v, nil
}

func decodeFrom(data []byte, reg *Registry) (Value, []byte, error) {
	if len(data) == 0 {
		return nil, nil, ErrMalformed.New("empty buffer", nil)
	}
	tag, data := data[0], data[1:]
	switch tag {
	case tagNil:
		return nil, data, nil
	case tagBool:
		if len(data) < 1 {
			return nil, nil, ErrMalformed.New("truncated bool", nil)
		}
		return data[0] != 0, data[1:], nil
	case tagUint64:
		n, sz := binary.Uvarint(data)
		if sz <= 0 {
			return nil, nil, ErrMalformed.New("truncated uint64", nil)
		}
		return n, data[sz:], nil
	case tagInt64:
		n, sz := binary.Varint(data)
		if sz <= 0 {
			return nil, nil, ErrMalformed.New("truncated int64", nil)
		}
		return n, data[sz:], nil
	case tagString:
		s, rest, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		return string(s), rest, nil
	case tagBytes:
		b, rest, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, rest, nil
	case tagList:
		n, sz := binary.Uvarint(data)
		if sz <= 0 {
			return nil, nil, ErrMalformed.New("truncated list length", nil)
		}
		data = data[sz:]
		list := make(List, 0, n)
		for i := uint64(0); i < n; i++ {
			var v Value
			var err error
			v, data, err = decodeFrom(data, reg)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, v)
		}
		return list, data, nil
	case tagMapping:
		m, rest, err := decodeMapping(data, reg)
		if err != nil {
			return nil, nil, err
		}
		return m, rest, nil
	case tagTagged:
		tagName, rest, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		m, rest2, err := decodeMapping(rest, reg)
		if err != nil {
			return nil, nil, err
		}
		d, ok := reg.byTag[string(tagName)]
		if !ok {
			return nil, nil, ErrUnknownTag.New(string(tagName), nil)
		}
		v, err := d(m)
		if err != nil {
			return nil, nil, err
		}
		return v, rest2, nil
	default:
		return nil, nil, ErrMalformed.New(fmt.Sprintf("unknown wire tag %d", tag), nil)
	}
}

func decodeLenPrefixed(data []byte) ([]byte, []byte, error) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 {
		return nil, nil, ErrMalformed.New("truncated length prefix", nil)
	}
	data = data[sz:]
	if uint64(len(data)) < n {
		return nil, nil, ErrMalformed.New("truncated payload", nil)
	}
	return data[:n], data[n:], nil
}

func decodeMapping(data []byte, reg *Registry) (Mapping, []byte, error) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 {
		return nil, nil, ErrMalformed.New("truncated mapping length", nil)
	}
	data = data[sz:]
	m := make(Mapping, n)
	for i := uint64(0); i < n; i++ {
		keyBytes, rest, err := decodeLenPrefixed(data)
		if err != nil {
			return nil, nil, err
		}
		var v Value
		v, data, err = decodeFrom(rest, reg)
		if err != nil {
			return nil, nil, err
		}
		m[string(keyBytes)] = v
	}
	return m, data, nil
}
