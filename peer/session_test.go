package peer_test

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gotorrent/bitfield"
	"gotorrent/disk"
	"gotorrent/geometry"
	"gotorrent/peer"
	"gotorrent/peerwire"
	"gotorrent/picker"
)

func readFakeMsg(t *testing.T, conn net.Conn) peerwire.Message {
	t.Helper()
	var lenBuf [4]byte
	_, err := readFull(conn, lenBuf[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return peerwire.Message{}
	}
	payload := make([]byte, length)
	_, err = readFull(conn, payload)
	require.NoError(t, err)
	frame := append(lenBuf[:], payload...)
	msg, _, ok, err := peerwire.Decode(frame)
	require.NoError(t, err)
	require.True(t, ok)
	return msg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func drainUpdates(ch <-chan peer.SessionUpdate) {
	go func() {
		for range ch {
		}
	}()
}

func TestSessionDownloadsBlockFromPeer(t *testing.T) {
	const pieceLen = 2 * geometry.BlockLen
	dir := t.TempDir()
	geom := geometry.New(pieceLen, pieceLen)

	pieceData := make([]byte, pieceLen)
	_, err := rand.Read(pieceData)
	require.NoError(t, err)
	hash := sha1.Sum(pieceData)

	engine := disk.NewEngine(4)
	notify := make(chan disk.PieceWritten, 4)
	files := []geometry.FileSpan{{Path: "file.bin", Length: pieceLen, Offset: 0}}
	_, err = engine.AddTorrent("t1", "file.bin", dir, files, false, [][20]byte{hash}, geom, 16, notify)
	require.NoError(t, err)

	pk := picker.New(geom.NumPieces, geom.PieceLen)
	updates := make(chan peer.SessionUpdate, 16)
	drainUpdates(updates)

	var infoHash, clientID, peerID [20]byte
	copy(infoHash[:], "abcdeabcdeabcdeabcde")
	copy(clientID[:], "client-id-0123456789")
	copy(peerID[:], "fake-peer-id-abcdefg")

	ctx := &peer.TorrentContext{
		TorrentID: "t1",
		InfoHash:  infoHash,
		ClientID:  clientID,
		Geometry:  geom,
		Picker:    pk,
		Disk:      engine,
		Updates:   updates,
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	session := peer.NewInbound(ctx, serverConn)
	go session.Run()

	own := peerwire.Handshake{InfoHash: infoHash, PeerID: peerID}
	_, err = clientConn.Write(own.Marshal())
	require.NoError(t, err)

	hsBuf := make([]byte, peerwire.HandshakeLen)
	_, err = readFull(clientConn, hsBuf)
	require.NoError(t, err)
	theirs, err := peerwire.DecodeHandshake(hsBuf)
	require.NoError(t, err)
	assert.Equal(t, infoHash, theirs.InfoHash)

	peerBF := bitfield.New(geom.NumPieces)
	peerBF.Set(0)
	_, err = clientConn.Write(peerwire.Message{HasID: true, ID: peerwire.BitfieldMsg, Bits: peerBF.Marshal()}.Marshal())
	require.NoError(t, err)

	interestedMsg := readFakeMsg(t, clientConn)
	require.True(t, interestedMsg.HasID)
	assert.Equal(t, peerwire.Interested, interestedMsg.ID)

	_, err = clientConn.Write(peerwire.Message{HasID: true, ID: peerwire.Unchoke}.Marshal())
	require.NoError(t, err)

	req1 := readFakeMsg(t, clientConn)
	req2 := readFakeMsg(t, clientConn)
	require.True(t, req1.HasID && req1.ID == peerwire.Request)
	require.True(t, req2.HasID && req2.ID == peerwire.Request)

	for _, req := range []peerwire.Message{req1, req2} {
		block := pieceData[req.Begin : req.Begin+req.Length]
		_, err = clientConn.Write(peerwire.Message{HasID: true, ID: peerwire.Piece, Index: req.Index, Begin: req.Begin, Block: block}.Marshal())
		require.NoError(t, err)
	}

	select {
	case pw := <-notify:
		assert.Equal(t, 0, pw.Index)
		assert.True(t, pw.Valid)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for piece to be written")
	}

	on, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	require.NoError(t, err)
	assert.Equal(t, pieceData, on)
}

func TestSessionServesRequestedBlockToPeer(t *testing.T) {
	const pieceLen = geometry.BlockLen
	dir := t.TempDir()
	geom := geometry.New(pieceLen, pieceLen)

	pieceData := make([]byte, pieceLen)
	_, err := rand.Read(pieceData)
	require.NoError(t, err)
	hash := sha1.Sum(pieceData)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.bin"), pieceData, 0644))

	engine := disk.NewEngine(4)
	notify := make(chan disk.PieceWritten, 4)
	files := []geometry.FileSpan{{Path: "file.bin", Length: pieceLen, Offset: 0}}
	ownBF, err := engine.AddTorrent("t2", "file.bin", dir, files, false, [][20]byte{hash}, geom, 16, notify)
	require.NoError(t, err)
	require.True(t, ownBF.Has(0))

	pk := picker.New(geom.NumPieces, geom.PieceLen)
	pk.ReceivedPiece(0)
	updates := make(chan peer.SessionUpdate, 16)
	drainUpdates(updates)

	var infoHash, clientID, peerID [20]byte
	copy(infoHash[:], "abcdeabcdeabcdeabcde")
	copy(clientID[:], "client-id-0123456789")
	copy(peerID[:], "fake-peer-id-abcdefg")

	ctx := &peer.TorrentContext{
		TorrentID: "t2",
		InfoHash:  infoHash,
		ClientID:  clientID,
		Geometry:  geom,
		Picker:    pk,
		Disk:      engine,
		Updates:   updates,
	}

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	session := peer.NewInbound(ctx, serverConn)
	go session.Run()

	own := peerwire.Handshake{InfoHash: infoHash, PeerID: peerID}
	_, err = clientConn.Write(own.Marshal())
	require.NoError(t, err)
	hsBuf := make([]byte, peerwire.HandshakeLen)
	_, err = readFull(clientConn, hsBuf)
	require.NoError(t, err)

	bitfieldMsg := readFakeMsg(t, clientConn)
	require.True(t, bitfieldMsg.HasID && bitfieldMsg.ID == peerwire.BitfieldMsg)
	sentBF := bitfield.Unmarshal(bitfieldMsg.Bits, geom.NumPieces)
	assert.True(t, sentBF.Has(0))

	emptyBF := bitfield.New(geom.NumPieces)
	_, err = clientConn.Write(peerwire.Message{HasID: true, ID: peerwire.BitfieldMsg, Bits: emptyBF.Marshal()}.Marshal())
	require.NoError(t, err)

	_, err = clientConn.Write(peerwire.Message{HasID: true, ID: peerwire.Interested}.Marshal())
	require.NoError(t, err)

	unchoke := readFakeMsg(t, clientConn)
	require.True(t, unchoke.HasID && unchoke.ID == peerwire.Unchoke)

	_, err = clientConn.Write(peerwire.Message{
		HasID: true, ID: peerwire.Request, Index: 0, Begin: 0, Length: geometry.BlockLen,
	}.Marshal())
	require.NoError(t, err)

	piece := readFakeMsg(t, clientConn)
	require.True(t, piece.HasID && piece.ID == peerwire.Piece)
	assert.Equal(t, pieceData, piece.Block)
}
