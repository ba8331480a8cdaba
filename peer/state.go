package peer

import "gotorrent/picker"

// ConnState is the phase a session is in (§4.4).
type ConnState int

const (
	Connecting ConnState = iota
	Handshaking
	Introducing
	Connected
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Handshaking:
		return "Handshaking"
	case Introducing:
		return "Introducing"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Command is a message the orchestrator sends into a session's
// inbound command channel.
type Command struct {
	BlockRead    *BlockReadResult
	PieceWritten *PieceWrittenEvent
	Shutdown     bool
}

// PieceWrittenEvent reports a disk verification outcome for a piece
// the orchestrator is broadcasting to every session of the torrent.
type PieceWrittenEvent struct {
	Index int
	Valid bool
}

// BlockReadResult carries a disk ReadBlock reply back into a session
// for delivery to the peer as a piece message.
type BlockReadResult struct {
	Info picker.BlockInfo
	Data []byte
}

// SessionUpdate is the periodic and terminal state snapshot a session
// pushes to the orchestrator (§4.4 tick / terminal cleanup).
type SessionUpdate struct {
	Addr           string
	PeerID         string
	State          ConnState
	Choked         bool
	Interested     bool
	PeerChoking    bool
	PeerInterested bool
	Uploaded       int64
	Downloaded     int64
}
