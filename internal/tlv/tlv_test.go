package tlv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"bool true", true, true},
		{"bool false", false, false},
		{"int", 42, int64(42)},
		{"negative int64", int64(-9000), int64(-9000)},
		{"float", 3.5, 3.5},
		{"string", "hello dirty pool", "hello dirty pool"},
		{"bytes", []byte{0x01, 0x02, 0x03}, []byte{0x01, 0x02, 0x03}},
		{"empty list", []any{}, []any{}},
		{"list", []any{int64(1), "two", 3.0}, []any{int64(1), "two", 3.0}},
		{"dict", map[string]any{"a": int64(1), "b": "two"}, map[string]any{"a": int64(1), "b": "two"}},
		{"nested", map[string]any{"items": []any{int64(1), int64(2)}}, map[string]any{"items": []any{int64(1), int64(2)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.in)
			require.NoError(t, err)
			decoded, err := DecodeFull(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.want, decoded)
		})
	}
}

func TestDecodeFullRejectsTrailingData(t *testing.T) {
	encoded, err := Encode(int64(1))
	require.NoError(t, err)
	_, err = DecodeFull(append(encoded, 0xFF))
	assert.Error(t, err)
}

func TestDecodeTruncatedDataErrors(t *testing.T) {
	encoded, err := Encode("some string")
	require.NoError(t, err)
	_, err = DecodeFull(encoded[:len(encoded)-2])
	assert.Error(t, err)
}

func TestDecodeUnknownTypeTagErrors(t *testing.T) {
	_, err := DecodeFull([]byte{0xFE})
	assert.Error(t, err)
}

func TestEncodeUnsupportedTypeErrors(t *testing.T) {
	_, err := Encode(struct{ X int }{X: 1})
	assert.Error(t, err)
}

func TestDictKeyMustBeString(t *testing.T) {
	// A hand-built dict frame with a non-string key should fail to decode.
	buf := []byte{TypeDict}
	buf = appendUint32(buf, 1)
	buf = appendInt64(buf, 0) // key encoded as int64, not string
	buf = appendInt64(buf, 1) // value
	_, err := DecodeFull(buf)
	assert.Error(t, err)
}
