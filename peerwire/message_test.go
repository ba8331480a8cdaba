package peerwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioFiveBytes() []byte {
	return []byte{
		0, 0, 0, 0, // keep-alive
		0, 0, 0, 1, 0, // choke
		0, 0, 0, 1, 1, // unchoke
		0, 0, 0, 1, 2, // interested
		0, 0, 0, 1, 3, // not-interested
		0, 0, 0, 5, 4, 0, 0, 0, 0x0b, // have(11)
		0, 0, 0, 4, 5, 0x01, 0x02, 0x03, // bitfield(01 02 03)
		0, 0, 0, 0x0d, 6, 0, 0, 0, 0x0b, 0x00, 0x13, 0x40, 0x00, 0x00, 0x00, 0x40, 0x00, // request
		0, 0, 0, 0x0c, 7, 0, 0, 0, 0x0b, 0x00, 0x13, 0x40, 0x00, 0x01, 0x02, 0x03, // piece
	}
}

func TestDecodeScenarioFive(t *testing.T) {
	buf := scenarioFiveBytes()

	msg, n, ok, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4, n)
	assert.False(t, msg.HasID)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Choke, msg.ID)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Unchoke, msg.ID)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Interested, msg.ID)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, NotInterested, msg.ID)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Have, msg.ID)
	assert.Equal(t, uint32(11), msg.Index)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, BitfieldMsg, msg.ID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, msg.Bits)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Request, msg.ID)
	assert.Equal(t, uint32(11), msg.Index)
	assert.Equal(t, uint32(0x134000), msg.Begin)
	assert.Equal(t, uint32(0x4000), msg.Length)
	buf = buf[n:]

	msg, n, ok, err = Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Piece, msg.ID)
	assert.Equal(t, uint32(11), msg.Index)
	assert.Equal(t, uint32(0x134000), msg.Begin)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, msg.Block)
	buf = buf[n:]

	assert.Empty(t, buf)
}

func TestDecodeChunkedAnySplit(t *testing.T) {
	full := scenarioFiveBytes()
	for split := 1; split < len(full); split++ {
		var decoded []Message
		var buf []byte
		buf = append(buf, full[:split]...)
		rest := full[split:]

		for {
			msg, n, ok, err := Decode(buf)
			require.NoError(t, err)
			if !ok {
				if len(rest) == 0 {
					break
				}
				buf = append(buf, rest...)
				rest = nil
				continue
			}
			decoded = append(decoded, msg)
			buf = buf[n:]
			if len(buf) == 0 && len(rest) == 0 {
				break
			}
		}
		require.Len(t, decoded, 9, "split at %d", split)
	}
}

func TestDecodeNoMessageYetDoesNotAdvance(t *testing.T) {
	buf := []byte{0, 0, 0, 5, 4, 0, 0, 0} // have, missing last byte
	_, n, ok, err := Decode(buf)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
}

func TestMarshalDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		{},
		{HasID: true, ID: Choke},
		{HasID: true, ID: Unchoke},
		{HasID: true, ID: Interested},
		{HasID: true, ID: NotInterested},
		{HasID: true, ID: Have, Index: 42},
		{HasID: true, ID: BitfieldMsg, Bits: []byte{0xff, 0x00, 0x80}},
		{HasID: true, ID: Request, Index: 3, Begin: 16384, Length: 16384},
		{HasID: true, ID: Cancel, Index: 3, Begin: 16384, Length: 16384},
		{HasID: true, ID: Piece, Index: 3, Begin: 0, Block: []byte("hello")},
		{HasID: true, ID: Port, PortNum: 6881},
	}
	for _, want := range cases {
		buf := want.Marshal()
		got, n, ok, err := Decode(buf)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, want, got)
	}
}

func TestDecodeUnknownIDIsError(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 99}
	_, _, _, err := Decode(buf)
	assert.Error(t, err)
}
