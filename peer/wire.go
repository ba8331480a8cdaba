package peer

import (
	"encoding/binary"
	"io"
	"net"

	"gotorrent/peerwire"
	"gotorrent/xerr"
)

// readFrame blocks until one complete message frame has arrived on
// conn. Unlike peerwire.Decode (which tolerates partial buffers for
// callers managing their own accumulation), a session reads directly
// off a blocking net.Conn, so a straightforward full read of the
// length prefix then the payload is sufficient and avoids needless
// buffering.
func readFrame(conn net.Conn) (peerwire.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return peerwire.Message{}, xerr.New(xerr.KindIO, "peer.readFrame", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return peerwire.Message{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return peerwire.Message{}, xerr.New(xerr.KindIO, "peer.readFrame", err)
	}

	frame := append(lenBuf[:], payload...)
	msg, _, ok, err := peerwire.Decode(frame)
	if err != nil {
		return peerwire.Message{}, err
	}
	if !ok {
		return peerwire.Message{}, xerr.New(xerr.KindInvalidMessage, "peer.readFrame", nil)
	}
	return msg, nil
}

func writeFrame(conn net.Conn, msg peerwire.Message) error {
	if _, err := conn.Write(msg.Marshal()); err != nil {
		return xerr.New(xerr.KindIO, "peer.writeFrame", err)
	}
	return nil
}
