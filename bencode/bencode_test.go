package bencode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInteger(t *testing.T) {
	v, err := NewDecoder(strings.NewReader("i666e")).DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, int64(666), v)
}

func TestDecodeByteString(t *testing.T) {
	v, err := NewDecoder(strings.NewReader("3:yes")).DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, "yes", v)
}

func TestDecodeDict(t *testing.T) {
	v, err := NewDecoder(strings.NewReader("d1:xi1111e1:y3:dog1:z2:yoe")).DecodeValue()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(1111), "y": "dog", "z": "yo"}, v)
}

func TestEncodeLexicographicKeys(t *testing.T) {
	type s struct {
		AAA int64 `bencode:"aaa"`
		BB  int64 `bencode:"bb"`
		Z   int64 `bencode:"z"`
		C   int64 `bencode:"c"`
	}
	out, err := Marshal(s{AAA: 1, BB: 2, Z: 3, C: 4})
	require.NoError(t, err)
	assert.Equal(t, "d3:aaai1e2:bbi2e1:ci4e1:zi3ee", string(out))
}

func TestRoundTrip(t *testing.T) {
	cases := []any{
		int64(0), int64(-5), int64(1 << 40),
		"", "hello world",
		[]any{int64(1), "two", []any{int64(3)}},
		map[string]any{"a": int64(1), "b": "two"},
	}
	for _, v := range cases {
		enc, err := Marshal(v)
		require.NoError(t, err)
		dec, err := NewDecoder(strings.NewReader(string(enc))).DecodeValue()
		require.NoError(t, err)
		assert.Equal(t, v, dec)
	}
}

func TestNegativeZeroInvalid(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("i-0e")).DecodeValue()
	assert.Error(t, err)
}

func TestLeadingZeroInvalid(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("i03e")).DecodeValue()
	assert.Error(t, err)
}

func TestUnmarshalStruct(t *testing.T) {
	type info struct {
		Name        string `bencode:"name"`
		PieceLength int64  `bencode:"piece length"`
	}
	type root struct {
		Announce string `bencode:"announce"`
		Info     info   `bencode:"info"`
	}
	var r root
	err := Unmarshal([]byte("d8:announce3:url4:infod4:name3:foo12:piece lengthi16384eee"), &r)
	require.NoError(t, err)
	assert.Equal(t, "url", r.Announce)
	assert.Equal(t, "foo", r.Info.Name)
	assert.Equal(t, int64(16384), r.Info.PieceLength)
}
