package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	for i := range h.InfoHash {
		h.InfoHash[i] = byte(i)
	}
	for i := range h.PeerID {
		h.PeerID[i] = byte(0xA0 + i)
	}

	buf := h.Marshal()
	require.Len(t, buf, HandshakeLen)
	assert.Equal(t, byte(19), buf[0])
	assert.Equal(t, "BitTorrent protocol", string(buf[1:20]))

	got, err := DecodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeHandshakeRejectsShortBuffer(t *testing.T) {
	h := Handshake{}
	buf := h.Marshal()

	_, err := DecodeHandshake(buf[:HandshakeLen-1])
	assert.Error(t, err)
}

func TestDecodeHandshakeRejectsWrongProtocolName(t *testing.T) {
	h := Handshake{}
	buf := h.Marshal()
	buf[5] = 'X'

	_, err := DecodeHandshake(buf)
	assert.Error(t, err)
}

func TestDecodeHandshakeExtraTrailingBytesIgnored(t *testing.T) {
	h := Handshake{}
	buf := append(h.Marshal(), 1, 2, 3)

	got, err := DecodeHandshake(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
