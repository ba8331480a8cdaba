// Package peer implements the peer session state machine (§4.4): one
// goroutine per live TCP connection performing the handshake, framed
// message codec, choke/interest protocol, and block request
// pipelining, coordinating with the shared picker and the disk engine
// entirely through channels — no session ever holds a pointer to
// another session, per §9's cyclic-reference resolution.
package peer

import (
	"time"

	"gotorrent/disk"
	"gotorrent/geometry"
	"gotorrent/picker"
)

// TorrentContext is the read-mostly state every session for a given
// torrent shares: info-hash, client identity, piece geometry, the
// shared picker, and the disk engine handle. Sessions never mutate
// it directly — the picker and disk engine have their own internal
// synchronization.
type TorrentContext struct {
	TorrentID      string
	InfoHash       [20]byte
	ClientID       [20]byte
	Geometry       geometry.Geometry
	Picker         *picker.Picker
	Disk           *disk.Engine
	Updates        chan<- SessionUpdate
	OutboundWindow int
}

// defaultOutstandingWindow is the target outbound request pipeline
// depth (§4.4) used when a TorrentContext leaves OutboundWindow unset.
const defaultOutstandingWindow = 20

// inactivityTimeout disconnects a session once neither side is
// interested and this long has passed since the session was created.
const inactivityTimeout = 30 * time.Second

// connectTimeout bounds outbound TCP dials.
const connectTimeout = 10 * time.Second
