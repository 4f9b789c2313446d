package bencode

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var marshalTests = []struct {
	input    interface{}
	expected string
}{
	{int(42), "i42e"},
	{int(-42), "i-42e"},
	{uint(43), "i43e"},
	{int64(44), "i44e"},
	{uint64(45), "i45e"},
	{int16(44), "i44e"},
	{uint16(45), "i45e"},

	{"example", "7:example"},
	{[]byte("example"), "7:example"},
	{30 * time.Minute, "i1800e"},

	{[]string{"one", "two"}, "l3:one3:twoe"},
	{[]interface{}{"one", "two"}, "l3:one3:twoe"},
	{[]string{}, "le"},
	{List{int64(1), "two"}, "li1e3:twoe"},

	{map[string]interface{}{"two": "bb", "one": "aa"}, "d3:one2:aa3:two2:bbe"},
	{map[string]interface{}{}, "de"},
	{Dict{"two": "bb", "one": "aa"}, "d3:one2:aa3:two2:bbe"},
	{Dict{}, "de"},
	{[]Dict{{"a": "b"}}, "ld1:a1:bee"},
}

func TestMarshal(t *testing.T) {
	for _, tt := range marshalTests {
		got, err := Marshal(tt.input)
		assert.Nil(t, err, "marshal should not fail")
		assert.Equal(t, tt.expected, string(got), "marshal should produce canonical output")
	}
}

// Dictionaries with many keys must always serialize to the same bytes.
func TestMarshalDeterministic(t *testing.T) {
	data := Dict{
		"complete":     int64(12),
		"incomplete":   int64(34),
		"interval":     10 * time.Minute,
		"min interval": 5 * time.Minute,
		"peers":        []byte{1, 2, 3, 4, 5, 6},
	}

	first, err := Marshal(data)
	require.Nil(t, err)

	for i := 0; i < 16; i++ {
		again, err := Marshal(data)
		require.Nil(t, err)
		require.Equal(t, first, again, "marshal should be deterministic")
	}
}

func TestMarshalUnsupported(t *testing.T) {
	_, err := Marshal(struct{}{})
	require.NotNil(t, err, "marshal should reject unsupported types")
}

func BenchmarkMarshalScalar(b *testing.B) {
	buf := &bytes.Buffer{}
	encoder := NewEncoder(buf)

	for i := 0; i < b.N; i++ {
		_ = encoder.Encode("test")
		_ = encoder.Encode(123)
	}
}

func BenchmarkMarshalLarge(b *testing.B) {
	data := map[string]interface{}{
		"k1": []string{"a", "b", "c"},
		"k2": 42,
		"k3": "val",
		"k4": uint(42),
	}

	buf := &bytes.Buffer{}
	encoder := NewEncoder(buf)

	for i := 0; i < b.N; i++ {
		_ = encoder.Encode(data)
	}
}
