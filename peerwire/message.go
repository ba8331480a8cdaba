// Package peerwire implements the bit-exact peer wire protocol:
// the handshake and the length-prefixed message frame (§4.3).
package peerwire

import (
	"encoding/binary"

	"gotorrent/xerr"
)

// ID is a peer wire message identifier.
type ID byte

const (
	Choke ID = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
	Port
)

// Message is one decoded peer wire message. A keep-alive decodes as
// the zero Message with HasID false.
type Message struct {
	HasID bool
	ID    ID
	// Have
	Index uint32
	// Bitfield
	Bits []byte
	// Request/Cancel
	Begin  uint32
	Length uint32
	// Piece
	Block []byte
	// Port
	PortNum uint16
}

// Marshal encodes m to its wire frame: a 4-byte big-endian length
// prefix followed by the payload. A zero Message (HasID false)
// encodes as the 4-byte keep-alive (length 0, no payload).
func (m Message) Marshal() []byte {
	if !m.HasID {
		return []byte{0, 0, 0, 0}
	}
	var payload []byte
	switch m.ID {
	case Have:
		payload = make([]byte, 5)
		payload[0] = byte(Have)
		binary.BigEndian.PutUint32(payload[1:], m.Index)
	case BitfieldMsg:
		payload = append([]byte{byte(BitfieldMsg)}, m.Bits...)
	case Request, Cancel:
		payload = make([]byte, 13)
		payload[0] = byte(m.ID)
		binary.BigEndian.PutUint32(payload[1:5], m.Index)
		binary.BigEndian.PutUint32(payload[5:9], m.Begin)
		binary.BigEndian.PutUint32(payload[9:13], m.Length)
	case Piece:
		payload = make([]byte, 9+len(m.Block))
		payload[0] = byte(Piece)
		binary.BigEndian.PutUint32(payload[1:5], m.Index)
		binary.BigEndian.PutUint32(payload[5:9], m.Begin)
		copy(payload[9:], m.Block)
	case Port:
		payload = make([]byte, 3)
		payload[0] = byte(Port)
		binary.BigEndian.PutUint16(payload[1:], m.PortNum)
	default: // Choke, Unchoke, Interested, NotInterested
		payload = []byte{byte(m.ID)}
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// Decode attempts to decode one message from the front of buf. It
// returns the message, the number of bytes consumed, and ok=false
// with n=0 if buf does not yet hold a complete frame ("no message
// yet") — callers must buffer partial frames and never block.
func Decode(buf []byte) (msg Message, n int, ok bool, err error) {
	if len(buf) < 4 {
		return Message{}, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length == 0 {
		return Message{}, 4, true, nil
	}
	total := 4 + int(length)
	if len(buf) < total {
		return Message{}, 0, false, nil
	}
	payload := buf[4:total]
	id := ID(payload[0])
	body := payload[1:]

	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		msg = Message{HasID: true, ID: id}
	case Have:
		if len(body) != 4 {
			return Message{}, 0, false, xerr.New(xerr.KindInvalidMessage, "peerwire.Decode", nil)
		}
		msg = Message{HasID: true, ID: id, Index: binary.BigEndian.Uint32(body)}
	case BitfieldMsg:
		bits := make([]byte, len(body))
		copy(bits, body)
		msg = Message{HasID: true, ID: id, Bits: bits}
	case Request, Cancel:
		if len(body) != 12 {
			return Message{}, 0, false, xerr.New(xerr.KindInvalidMessage, "peerwire.Decode", nil)
		}
		msg = Message{
			HasID:  true,
			ID:     id,
			Index:  binary.BigEndian.Uint32(body[0:4]),
			Begin:  binary.BigEndian.Uint32(body[4:8]),
			Length: binary.BigEndian.Uint32(body[8:12]),
		}
	case Piece:
		if len(body) < 8 {
			return Message{}, 0, false, xerr.New(xerr.KindInvalidMessage, "peerwire.Decode", nil)
		}
		block := make([]byte, len(body)-8)
		copy(block, body[8:])
		msg = Message{
			HasID: true,
			ID:    id,
			Index: binary.BigEndian.Uint32(body[0:4]),
			Begin: binary.BigEndian.Uint32(body[4:8]),
			Block: block,
		}
	case Port:
		if len(body) != 2 {
			return Message{}, 0, false, xerr.New(xerr.KindInvalidMessage, "peerwire.Decode", nil)
		}
		msg = Message{HasID: true, ID: id, PortNum: binary.BigEndian.Uint16(body)}
	default:
		return Message{}, 0, false, xerr.New(xerr.KindInvalidMessageID, "peerwire.Decode", nil)
	}
	return msg, total, true, nil
}
