package peer

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"gotorrent/bitfield"
	"gotorrent/disk"
	"gotorrent/peerwire"
	"gotorrent/picker"
	"gotorrent/xerr"
)

// Session is one live peer connection's state machine (§4.4).
type Session struct {
	ctx            *TorrentContext
	conn           net.Conn
	addr           string
	peerID         string
	logTag         string
	dialedOutbound bool

	state          ConnState
	choked         bool
	interested     bool
	peerChoking    bool
	peerInterested bool
	peerBF         *bitfield.Bitfield

	window      int
	outbound    map[picker.BlockInfo]struct{}
	inboundReqs map[picker.BlockInfo]struct{}
	pendingSize map[int]int64

	uploaded, downloaded int64
	connectTime          time.Time
	dirty                bool

	commands  chan Command
	diskReply chan disk.BlockRead
}

// NewOutbound builds a session that will dial addr itself.
func NewOutbound(ctx *TorrentContext, addr string) *Session {
	s := newSession(ctx, nil, addr)
	s.dialedOutbound = true
	return s
}

// NewInbound builds a session over an already-accepted connection.
func NewInbound(ctx *TorrentContext, conn net.Conn) *Session {
	return newSession(ctx, conn, conn.RemoteAddr().String())
}

func newSession(ctx *TorrentContext, conn net.Conn, addr string) *Session {
	window := ctx.OutboundWindow
	if window <= 0 {
		window = defaultOutstandingWindow
	}
	return &Session{
		ctx:         ctx,
		conn:        conn,
		addr:        addr,
		logTag:      uuid.NewString()[:8],
		state:       Connecting,
		choked:      true,
		peerChoking: true,
		window:      window,
		outbound:    make(map[picker.BlockInfo]struct{}),
		inboundReqs: make(map[picker.BlockInfo]struct{}),
		pendingSize: make(map[int]int64),
		commands:    make(chan Command, 8),
		diskReply:   make(chan disk.BlockRead, window),
		connectTime: time.Now(),
	}
}

// Commands returns the inbound command channel the orchestrator sends
// {BlockRead, PieceWritten, Shutdown} on.
func (s *Session) Commands() chan<- Command { return s.commands }

// Run drives the session to completion: connect (if outbound),
// handshake, introduce, then the main select loop. It always returns
// after pushing a final Disconnected SessionUpdate.
func (s *Session) Run() {
	defer s.disconnect()

	if err := s.connectAndHandshake(); err != nil {
		log.Printf("[FAIL]\t[%s] %s: %v\n", s.logTag, s.addr, err)
		return
	}

	if err := s.introduce(); err != nil {
		log.Printf("[FAIL]\t[%s] %s: %v\n", s.logTag, s.addr, err)
		return
	}

	s.state = Connected
	s.mainLoop()
}

func (s *Session) connectAndHandshake() error {
	if s.conn == nil {
		conn, err := net.DialTimeout("tcp", s.addr, connectTimeout)
		if err != nil {
			return xerr.New(xerr.KindTimeout, "peer.connectAndHandshake", err)
		}
		s.conn = conn
	}

	s.state = Handshaking
	outbound := s.isOutbound()

	own := peerwire.Handshake{InfoHash: s.ctx.InfoHash, PeerID: s.ctx.ClientID}
	if outbound {
		if _, err := s.conn.Write(own.Marshal()); err != nil {
			return xerr.New(xerr.KindIO, "peer.connectAndHandshake", err)
		}
	}

	buf := make([]byte, peerwire.HandshakeLen)
	if _, err := ioReadFull(s.conn, buf); err != nil {
		return xerr.New(xerr.KindIO, "peer.connectAndHandshake", err)
	}
	theirs, err := peerwire.DecodeHandshake(buf)
	if err != nil {
		return err
	}
	if theirs.InfoHash != s.ctx.InfoHash {
		return xerr.New(xerr.KindIncorrectInfoHash, "peer.connectAndHandshake", nil)
	}
	s.peerID = fmt.Sprintf("%x", theirs.PeerID)

	if !outbound {
		if _, err := s.conn.Write(own.Marshal()); err != nil {
			return xerr.New(xerr.KindIO, "peer.connectAndHandshake", err)
		}
	}

	log.Printf("[INFO]\t[%s] handshake complete with %s (peer-id=%s)\n", s.logTag, s.addr, s.peerID)
	return nil
}

func (s *Session) isOutbound() bool {
	return s.dialedOutbound
}

// introduce handles the Introducing phase: send our bitfield if
// non-empty, then wait for at most one inbound bitfield (valid only
// here), transitioning to Connected on the first non-bitfield message
// or after the bitfield.
func (s *Session) introduce() error {
	s.state = Introducing

	own := s.ctx.Picker.OwnBitfield()
	if own.Count() > 0 {
		if err := writeFrame(s.conn, peerwire.Message{HasID: true, ID: peerwire.BitfieldMsg, Bits: own.Marshal()}); err != nil {
			return err
		}
	}

	msg, err := readFrame(s.conn)
	if err != nil {
		return err
	}
	if msg.HasID && msg.ID == peerwire.BitfieldMsg {
		s.applyBitfield(msg.Bits)
	} else if err := s.handleMessage(msg); err != nil {
		return err
	}

	peerCount := 0
	if s.peerBF != nil {
		peerCount = s.peerBF.Count()
	}
	if own.Count() == 0 && peerCount == 0 {
		return xerr.New(xerr.KindIncorrectProtocol, "peer.introduce", fmt.Errorf("neither side holds any pieces"))
	}
	return nil
}

func (s *Session) applyBitfield(bits []byte) {
	s.peerBF = bitfield.Unmarshal(bits, s.ctx.Geometry.NumPieces)
	if s.ctx.Picker.BitfieldUpdate(s.peerBF) {
		s.setInterested(true)
	}
}

// mainLoop is the single-threaded cooperative select over (socket,
// command channel, disk replies, 1s tick) described in §4.4/§9.
func (s *Session) mainLoop() {
	msgCh := make(chan peerwire.Message, 1)
	errCh := make(chan error, 1)
	go s.readLoop(msgCh, errCh)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case msg := <-msgCh:
			if err := s.handleMessage(msg); err != nil {
				log.Printf("[FAIL]\t[%s] %s: %v\n", s.logTag, s.addr, err)
				return
			}
			s.pipelineRequests()

		case err := <-errCh:
			log.Printf("[FAIL]\t[%s] %s: %v\n", s.logTag, s.addr, err)
			return

		case cmd := <-s.commands:
			if cmd.Shutdown {
				return
			}
			s.handleCommand(cmd)

		case br := <-s.diskReply:
			s.handleBlockRead(br)

		case <-tick.C:
			if !s.interested && !s.peerInterested && time.Since(s.connectTime) > inactivityTimeout {
				log.Printf("[FAIL]\t[%s] %s: inactivity timeout\n", s.logTag, s.addr)
				return
			}
			if s.dirty {
				s.publish()
				s.dirty = false
			}
		}
	}
}

func (s *Session) readLoop(msgCh chan<- peerwire.Message, errCh chan<- error) {
	for {
		msg, err := readFrame(s.conn)
		if err != nil {
			errCh <- err
			return
		}
		msgCh <- msg
	}
}

func (s *Session) handleMessage(msg peerwire.Message) error {
	if !msg.HasID {
		return nil // keep-alive
	}

	switch msg.ID {
	case peerwire.Choke:
		if !s.peerChoking {
			s.peerChoking = true
			for info := range s.outbound {
				s.ctx.Picker.FreeBlock(info)
			}
			s.outbound = make(map[picker.BlockInfo]struct{})
			s.dirty = true
		}

	case peerwire.Unchoke:
		if s.peerChoking {
			s.peerChoking = false
			s.dirty = true
		}

	case peerwire.Interested:
		if !s.peerInterested {
			s.peerInterested = true
			s.choked = false
			s.dirty = true
			if err := writeFrame(s.conn, peerwire.Message{HasID: true, ID: peerwire.Unchoke}); err != nil {
				return err
			}
		}

	case peerwire.NotInterested:
		s.peerInterested = false
		s.dirty = true

	case peerwire.Have:
		idx := int(msg.Index)
		if idx < 0 || idx >= s.ctx.Geometry.NumPieces {
			return xerr.New(xerr.KindInvalidMessage, "peer.handleMessage", fmt.Errorf("have: piece index out of range"))
		}
		if s.peerBF == nil {
			s.peerBF = bitfield.New(s.ctx.Geometry.NumPieces)
		}
		if !s.peerBF.Has(idx) {
			s.peerBF.Set(idx)
			s.ctx.Picker.IncrementPiece(idx)
			s.reassessInterest()
		}

	case peerwire.BitfieldMsg:
		if s.state != Introducing {
			return xerr.New(xerr.KindUnexpectedBitfield, "peer.handleMessage", nil)
		}

	case peerwire.Request:
		return s.handleRequest(msg)

	case peerwire.Cancel:
		info := picker.BlockInfo{PieceIdx: int(msg.Index), Offset: int(msg.Begin), Length: int(msg.Length)}
		if !info.Valid(s.ctx.Geometry) {
			return xerr.New(xerr.KindInvalidMessage, "peer.handleMessage", fmt.Errorf("invalid block info"))
		}
		delete(s.inboundReqs, info)

	case peerwire.Piece:
		return s.handleBlock(msg)

	case peerwire.Port:
		// DHT port, ignored.
	}
	return nil
}

func (s *Session) handleRequest(msg peerwire.Message) error {
	if s.choked {
		return xerr.New(xerr.KindInvalidMessage, "peer.handleRequest", fmt.Errorf("request while choked"))
	}
	info := picker.BlockInfo{PieceIdx: int(msg.Index), Offset: int(msg.Begin), Length: int(msg.Length)}
	if !info.Valid(s.ctx.Geometry) {
		return xerr.New(xerr.KindInvalidMessage, "peer.handleRequest", fmt.Errorf("invalid block info"))
	}
	if _, dup := s.inboundReqs[info]; dup {
		return nil
	}
	s.inboundReqs[info] = struct{}{}
	s.ctx.Disk.ReadBlock(s.ctx.TorrentID, info, s.diskReply)
	return nil
}

func (s *Session) handleBlock(msg peerwire.Message) error {
	info := picker.BlockInfo{PieceIdx: int(msg.Index), Offset: int(msg.Begin), Length: len(msg.Block)}
	if _, ok := s.outbound[info]; !ok {
		log.Printf("[INFO]\t[%s] unrequested block piece=%d offset=%d dropped\n", s.logTag, info.PieceIdx, info.Offset)
		return nil
	}
	delete(s.outbound, info)

	prior, complete := s.ctx.Picker.ReceivedBlock(info, msg.Block)
	if prior == picker.Received {
		log.Printf("[INFO]\t[%s] duplicate block piece=%d offset=%d dropped\n", s.logTag, info.PieceIdx, info.Offset)
		return nil
	}

	s.ctx.Disk.WriteBlock(s.ctx.TorrentID, info, msg.Block)
	s.pendingSize[info.PieceIdx] += int64(len(msg.Block))
	_ = complete
	return nil
}

func (s *Session) handleCommand(cmd Command) {
	if cmd.BlockRead != nil {
		s.sendPiece(*cmd.BlockRead)
	}
	if cmd.PieceWritten != nil {
		s.onPieceWritten(*cmd.PieceWritten)
	}
}

func (s *Session) handleBlockRead(br disk.BlockRead) {
	if _, ok := s.inboundReqs[br.Info]; !ok {
		log.Printf("[INFO]\t[%s] stale disk read for piece=%d offset=%d dropped\n", s.logTag, br.Info.PieceIdx, br.Info.Offset)
		return
	}
	delete(s.inboundReqs, br.Info)
	if err := writeFrame(s.conn, peerwire.Message{
		HasID: true, ID: peerwire.Piece,
		Index: uint32(br.Info.PieceIdx), Begin: uint32(br.Info.Offset), Block: br.Data,
	}); err != nil {
		log.Printf("[FAIL]\t[%s] sending piece: %v\n", s.logTag, err)
		return
	}
	s.uploaded += int64(len(br.Data))
	s.dirty = true
}

func (s *Session) sendPiece(br BlockReadResult) {
	s.handleBlockRead(disk.BlockRead{Info: br.Info, Data: br.Data})
}

// onPieceWritten reacts to a torrent-wide disk verification result:
// drain the pending-write entry for idx, crediting download
// throughput by its length only if the piece passed verification.
// For a verified piece, send `have` unless the peer's bitfield already
// has it, then cancel any of our outstanding requests for that piece
// (an end-game race). A failed piece needs nothing more here; the
// orchestrator resets it in the picker so it can be picked again.
func (s *Session) onPieceWritten(pw PieceWrittenEvent) {
	size := s.pendingSize[pw.Index]
	delete(s.pendingSize, pw.Index)
	if !pw.Valid {
		return
	}
	s.downloaded += size
	s.dirty = true

	if s.peerBF != nil && s.peerBF.Has(pw.Index) {
		s.cancelOutbound(pw.Index)
		return
	}
	if err := writeFrame(s.conn, peerwire.Message{HasID: true, ID: peerwire.Have, Index: uint32(pw.Index)}); err != nil {
		log.Printf("[FAIL]\t[%s] sending have: %v\n", s.logTag, err)
		return
	}
	s.cancelOutbound(pw.Index)
}

func (s *Session) cancelOutbound(idx int) {
	for info := range s.outbound {
		if info.PieceIdx != idx {
			continue
		}
		writeFrame(s.conn, peerwire.Message{HasID: true, ID: peerwire.Cancel, Index: uint32(info.PieceIdx), Begin: uint32(info.Offset), Length: uint32(info.Length)})
		delete(s.outbound, info)
	}
}

func (s *Session) reassessInterest() {
	interesting := false
	for i := 0; i < s.ctx.Geometry.NumPieces; i++ {
		if s.peerBF != nil && s.peerBF.Has(i) && !s.ctx.Picker.Have(i) {
			interesting = true
			break
		}
	}
	s.setInterested(interesting)
}

func (s *Session) setInterested(v bool) {
	if s.interested == v {
		return
	}
	s.interested = v
	s.dirty = true
	id := peerwire.NotInterested
	if v {
		id = peerwire.Interested
	}
	if err := writeFrame(s.conn, peerwire.Message{HasID: true, ID: id}); err != nil {
		log.Printf("[FAIL]\t[%s] sending interest state: %v\n", s.logTag, err)
	}
}

// pipelineRequests asks the picker for as many blocks as needed to
// fill the outbound window and sends request messages for them.
func (s *Session) pipelineRequests() {
	if s.peerChoking || !s.interested || s.peerBF == nil {
		return
	}
	remaining := s.window - len(s.outbound)
	if remaining <= 0 {
		return
	}
	picks := s.ctx.Picker.PickBlocks(s.outbound, s.window, s.peerBF)
	for _, info := range picks {
		s.outbound[info] = struct{}{}
		if err := writeFrame(s.conn, peerwire.Message{
			HasID: true, ID: peerwire.Request,
			Index: uint32(info.PieceIdx), Begin: uint32(info.Offset), Length: uint32(info.Length),
		}); err != nil {
			log.Printf("[FAIL]\t[%s] sending request: %v\n", s.logTag, err)
			return
		}
	}
}

func (s *Session) publish() {
	s.ctx.Updates <- SessionUpdate{
		Addr: s.addr, PeerID: s.peerID, State: s.state,
		Choked: s.choked, Interested: s.interested,
		PeerChoking: s.peerChoking, PeerInterested: s.peerInterested,
		Uploaded: s.uploaded, Downloaded: s.downloaded,
	}
}

func (s *Session) disconnect() {
	s.state = Disconnected
	if s.peerBF != nil {
		s.ctx.Picker.BitfieldRemove(s.peerBF)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	s.publish()
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
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
