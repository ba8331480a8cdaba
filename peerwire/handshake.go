package peerwire

import "gotorrent/xerr"

const (
	protocolName   = "BitTorrent protocol"
	HandshakeLen   = 49 + len(protocolName)
	protocolNameLen = byte(len(protocolName))
)

// Handshake is the fixed 68-byte BEP 3 handshake.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Marshal encodes the handshake to its exact 68-byte wire form:
// <1><19><"BitTorrent protocol"><8 reserved=0><20 info-hash><20 peer-id>.
func (h Handshake) Marshal() []byte {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, protocolNameLen)
	buf = append(buf, protocolName...)
	buf = append(buf, make([]byte, 8)...) // reserved, all zero
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// DecodeHandshake decodes a handshake from buf. Per §9's open
// question, the source's off-by-one boundary check ("strictly more
// than 67 bytes") is corrected here: at least 68 bytes are required
// before any bytes are consumed.
func DecodeHandshake(buf []byte) (Handshake, error) {
	if len(buf) < HandshakeLen {
		return Handshake{}, xerr.New(xerr.KindIncorrectProtocol, "peerwire.DecodeHandshake", nil)
	}
	if buf[0] != protocolNameLen || string(buf[1:1+len(protocolName)]) != protocolName {
		return Handshake{}, xerr.New(xerr.KindIncorrectProtocol, "peerwire.DecodeHandshake", nil)
	}
	var h Handshake
	off := 1 + len(protocolName) + 8
	copy(h.InfoHash[:], buf[off:off+20])
	copy(h.PeerID[:], buf[off+20:off+40])
	return h, nil
}
