package blockstore

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePrimitives(t *testing.T) {
	reg := NewRegistry()
	cases := []Value{
		nil,
		true,
		false,
		uint64(0),
		uint64(12345),
		int64(-987),
		"",
		"hello world",
		[]byte{1, 2, 3, 4},
		List{uint64(1), "two", []byte{3}},
		Mapping{"a": uint64(1), "b": "two"},
	}
	for _, v := range cases {
		encoded, err := Encode(v)
		require.NoError(t, err)
		decoded, err := Decode(encoded, reg)
		require.NoError(t, err)
		require.Equal(t, v, decoded)
	}
}

func TestEncodeDecodeMappingKeyOrderIndependence(t *testing.T) {
	reg := NewRegistry()
	a := Mapping{"z": uint64(1), "a": uint64(2), "m": uint64(3)}
	b := Mapping{"m": uint64(3), "z": uint64(1), "a": uint64(2)}

	encA, err := Encode(a)
	require.NoError(t, err)
	encB, err := Encode(b)
	require.NoError(t, err)
	require.Equal(t, encA, encB)

	decoded, err := Decode(encA, reg)
	require.NoError(t, err)
	require.Equal(t, Value(a), decoded)
}

func TestEncodeDecodeTaggedBigInt(t *testing.T) {
	reg := NewRegistry()
	n := big.NewInt(123456789)
	encoded, err := Encode(TagBigInt(n))
	require.NoError(t, err)
	decoded, err := Decode(encoded, reg)
	require.NoError(t, err)
	got, ok := decoded.(*big.Int)
	require.True(t, ok)
	require.Equal(t, 0, n.Cmp(got))
}

func TestDecodeUnknownTagIsFatal(t *testing.T) {
	reg := NewRegistry()
	encoded, err := Encode(Tagged{Tag: "nonsense", Fields: Mapping{}})
	require.NoError(t, err)
	_, err = Decode(encoded, reg)
	require.Error(t, err)
	require.True(t, ErrUnknownTag.Is(err))
}

func TestDecodeMalformedInputs(t *testing.T) {
	reg := NewRegistry()

	_, err := Decode(nil, reg)
	require.Error(t, err)
	require.True(t, ErrMalformed.Is(err))

	encoded, err := Encode(uint64(5))
	require.NoError(t, err)
	_, err = Decode(append(encoded, 0xFF), reg)
	require.Error(t, err)
	require.True(t, ErrMalformed.Is(err))

	_, err = Decode([]byte{0xAA}, reg)
	require.Error(t, err)
	require.True(t, ErrMalformed.Is(err))
}

func TestRegisterDuplicateTagPanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("widget", func(Mapping) (interface{}, error) { return nil, nil })
	require.Panics(t, func() {
		reg.Register("widget", func(Mapping) (interface{}, error) { return nil, nil })
	})
}
