// Package engine implements the per-torrent orchestrator and the
// process-wide manager that owns the shared disk engine (§4.8).
package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"gotorrent/config"
	"gotorrent/disk"
	"gotorrent/metainfo"
	"gotorrent/peer"
	"gotorrent/picker"
	"gotorrent/tracker"
	"gotorrent/xerr"
)

const announceTimeout = 15 * time.Second

// peerHandle is the orchestrator's record of one live session: the
// command sink to reach it and the last cumulative counters seen, so
// torrent-wide totals can be derived as deltas (§4.8's PeerState handling).
type peerHandle struct {
	cmds           chan<- peer.Command
	lastDownloaded int64
	lastUploaded   int64
}

type announceOutcome struct {
	res *tracker.AnnounceResult
	err error
}

// Torrent is one torrent's orchestrator task: the shared torrent
// context, the peer handle map, the tracker priority list, and a
// reserve of known-but-unconnected addresses.
type Torrent struct {
	id       string
	meta     *metainfo.MetaInfo
	cfg      *config.Config
	clientID [20]byte

	picker *picker.Picker
	disk   *disk.Engine

	trackers   []tracker.Tracker
	trackerIdx int
	reserve    map[string]struct{}

	listener net.Listener
	acceptCh chan net.Conn

	peers      map[string]*peerHandle
	updates    chan peer.SessionUpdate
	diskNotify chan disk.PieceWritten

	shutdown chan struct{}
	done     chan struct{}

	announceInFlight bool
	announceDone     chan announceOutcome
	completedSent    bool

	events chan<- Event

	cumDownloaded, cumUploaded         int64
	lastTickDownloaded, lastTickUploaded int64
}

func newTorrent(id string, meta *metainfo.MetaInfo, cfg *config.Config, disk *disk.Engine, events chan<- Event) (*Torrent, error) {
	tiers, err := buildTiers(meta.Announce, meta.AnnounceList)
	if err != nil {
		return nil, err
	}
	var flat []tracker.Tracker
	for _, tier := range tiers {
		flat = append(flat, tier...)
	}

	return &Torrent{
		id:           id,
		meta:         meta,
		cfg:          cfg,
		clientID:     cfg.ClientID,
		picker:       picker.New(meta.NumPieces(), meta.PieceLen),
		disk:         disk,
		trackers:     flat,
		reserve:      make(map[string]struct{}),
		acceptCh:     make(chan net.Conn, 8),
		peers:        make(map[string]*peerHandle),
		updates:      make(chan peer.SessionUpdate, 64),
		diskNotify:   make(chan disk.PieceWritten, 16),
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		announceDone: make(chan announceOutcome, 1),
		events:       events,
	}, nil
}

func (t *Torrent) newContext() *peer.TorrentContext {
	return &peer.TorrentContext{
		TorrentID:      t.id,
		InfoHash:       t.meta.InfoHash,
		ClientID:       t.clientID,
		Geometry:       t.meta.Geometry,
		Picker:         t.picker,
		Disk:           t.disk,
		Updates:        t.updates,
		OutboundWindow: t.cfg.OutboundWindow,
	}
}

// Shutdown requests a graceful stop and blocks until it completes.
func (t *Torrent) Shutdown() {
	select {
	case <-t.shutdown:
	default:
		close(t.shutdown)
	}
	<-t.done
}

// run is the orchestrator task's body (§4.8's main select).
func (t *Torrent) run() {
	defer close(t.done)

	if err := t.startup(); err != nil {
		log.Printf("[ERROR]\tengine: torrent %s startup: %v\n", t.id, err)
		t.events <- Event{Error: &TorrentError{ID: t.id, Err: err}}
		return
	}

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case conn := <-t.acceptCh:
			t.spawnInbound(conn)

		case su := <-t.updates:
			t.onSessionUpdate(su)

		case pw := <-t.diskNotify:
			if t.onPieceWritten(pw) {
				t.doShutdown()
				return
			}

		case outcome := <-t.announceDone:
			t.onAnnounceDone(outcome)

		case <-t.shutdown:
			t.doShutdown()
			return

		case <-tick.C:
			t.onTick()
		}
	}
}

func (t *Torrent) startup() error {
	listener, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return xerr.New(xerr.KindIO, "engine.startup", err)
	}
	t.listener = listener
	go t.acceptLoop()

	if res, err := t.announce(tracker.EventStarted); err != nil {
		log.Printf("[FAIL]\tengine: torrent %s initial announce: %v\n", t.id, err)
		if t.picker.HaveCount() == 0 {
			return xerr.New(xerr.KindResponseError, "engine.startup", fmt.Errorf("no tracker reachable and local store is empty"))
		}
	} else {
		t.mergePeers(res.Peers)
	}

	t.connectToPeers()
	return nil
}

func (t *Torrent) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		select {
		case t.acceptCh <- conn:
		case <-t.shutdown:
			conn.Close()
			return
		}
	}
}

func (t *Torrent) mergePeers(peers []tracker.PeerAddr) {
	for _, p := range peers {
		addr := fmt.Sprintf("%s:%d", p.IP, p.Port)
		if _, connected := t.peers[addr]; connected {
			continue
		}
		t.reserve[addr] = struct{}{}
	}
}

func (t *Torrent) connectToPeers() {
	want := t.cfg.MaxPeers - len(t.peers)
	for addr := range t.reserve {
		if want <= 0 {
			break
		}
		delete(t.reserve, addr)
		t.spawnOutbound(addr)
		want--
	}
}

func (t *Torrent) spawnOutbound(addr string) {
	session := peer.NewOutbound(t.newContext(), addr)
	t.peers[addr] = &peerHandle{cmds: session.Commands()}
	go session.Run()
}

func (t *Torrent) spawnInbound(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	if _, exists := t.peers[addr]; exists {
		conn.Close()
		return
	}
	if len(t.peers) >= t.cfg.MaxPeers {
		conn.Close()
		return
	}
	session := peer.NewInbound(t.newContext(), conn)
	t.peers[addr] = &peerHandle{cmds: session.Commands()}
	go session.Run()
}

func (t *Torrent) onSessionUpdate(su peer.SessionUpdate) {
	h, ok := t.peers[su.Addr]
	if !ok {
		return
	}
	t.cumDownloaded += su.Downloaded - h.lastDownloaded
	t.cumUploaded += su.Uploaded - h.lastUploaded
	h.lastDownloaded = su.Downloaded
	h.lastUploaded = su.Uploaded

	if su.State == peer.Disconnected {
		delete(t.peers, su.Addr)
	}
}

// onPieceWritten applies a disk verification result, tells every
// session about it (so each can drain its pending-write byte count,
// crediting throughput only on success), and reports whether the
// torrent just completed (and should now shut down).
func (t *Torrent) onPieceWritten(pw disk.PieceWritten) bool {
	ev := peer.PieceWrittenEvent{Index: pw.Index, Valid: pw.Valid}
	for _, h := range t.peers {
		select {
		case h.cmds <- peer.Command{PieceWritten: &ev}:
		default:
		}
	}

	if !pw.Valid {
		t.picker.FreeAllBlocks(pw.Index)
		return false
	}

	t.picker.ReceivedPiece(pw.Index)

	if t.picker.Complete() {
		if !t.completedSent {
			t.completedSent = true
			if _, err := t.announce(tracker.EventCompleted); err != nil {
				log.Printf("[FAIL]\tengine: torrent %s completed announce: %v\n", t.id, err)
			}
		}
		t.events <- Event{Complete: &TorrentComplete{ID: t.id}}
		return true
	}
	return false
}

func (t *Torrent) onAnnounceDone(outcome announceOutcome) {
	t.announceInFlight = false
	if outcome.err != nil {
		log.Printf("[FAIL]\tengine: torrent %s announce: %v\n", t.id, outcome.err)
		return
	}
	t.mergePeers(outcome.res.Peers)
	t.connectToPeers()
}

// onTick updates throughput counters, publishes stats, and evaluates
// the announce-scheduling conditions of §4.8.
func (t *Torrent) onTick() {
	downRate := float64(t.cumDownloaded - t.lastTickDownloaded)
	upRate := float64(t.cumUploaded - t.lastTickUploaded)
	t.lastTickDownloaded = t.cumDownloaded
	t.lastTickUploaded = t.cumUploaded

	have := t.picker.HaveCount()
	left := t.meta.Geometry.TotalLength - int64(have)*t.meta.Geometry.PieceLength
	if left < 0 {
		left = 0
	}

	t.events <- Event{Stats: &TorrentStats{
		ID: t.id,
		Stats: Stats{
			Downloaded:   t.cumDownloaded,
			Uploaded:     t.cumUploaded,
			DownloadRate: downRate,
			UploadRate:   upRate,
			Peers:        len(t.peers),
			HavePieces:   have,
			TotalPieces:  t.meta.NumPieces(),
			Left:         left,
		},
	}}

	t.maybeAnnounce()
}

func (t *Torrent) maybeAnnounce() {
	if t.announceInFlight || len(t.trackers) == 0 {
		return
	}
	now := time.Now()
	tr := t.trackers[t.trackerIdx]
	below := len(t.peers) < t.cfg.MinPeers && tr.CanAnnounce(now)
	due := tr.ShouldAnnounce(now)
	if !below && !due {
		return
	}

	t.announceInFlight = true
	go func() {
		res, err := t.announce(tracker.EventNone)
		t.announceDone <- announceOutcome{res: res, err: err}
	}()
}

// announce walks the tracker priority list starting at trackerIdx,
// returning the first successful result and leaving trackerIdx
// pointing at the tracker that succeeded.
func (t *Torrent) announce(event tracker.Event) (*tracker.AnnounceResult, error) {
	if len(t.trackers) == 0 {
		return nil, fmt.Errorf("engine: no trackers configured")
	}

	numWant := 0
	if event != tracker.EventStopped {
		numWant = t.cfg.MinPeers
		if want := t.cfg.MaxPeers - len(t.peers); want > numWant {
			numWant = want
		}
	}

	have := t.picker.HaveCount()
	left := t.meta.Geometry.TotalLength - int64(have)*t.meta.Geometry.PieceLength
	if left < 0 {
		left = 0
	}
	params := tracker.AnnounceParams{
		InfoHash:   t.meta.InfoHash,
		PeerID:     t.clientID,
		Port:       listenPort(t.cfg.ListenAddr),
		Uploaded:   t.cumUploaded,
		Downloaded: t.cumDownloaded,
		Left:       left,
		Event:      event,
		NumWant:    numWant,
	}

	var lastErr error
	for i := 0; i < len(t.trackers); i++ {
		idx := (t.trackerIdx + i) % len(t.trackers)
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		res, err := t.trackers[idx].Announce(ctx, params)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		t.trackerIdx = idx
		return res, nil
	}
	return nil, lastErr
}

func listenPort(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

// doShutdown cascades §4.8/§5's orchestrator→peers→disk teardown.
func (t *Torrent) doShutdown() {
	if t.listener != nil {
		t.listener.Close()
	}

	for _, h := range t.peers {
		select {
		case h.cmds <- peer.Command{Shutdown: true}:
		default:
		}
	}
	deadline := time.After(5 * time.Second)
waitPeers:
	for len(t.peers) > 0 {
		select {
		case su := <-t.updates:
			t.onSessionUpdate(su)
		case <-deadline:
			break waitPeers
		}
	}

	if _, err := t.announce(tracker.EventStopped); err != nil {
		log.Printf("[FAIL]\tengine: torrent %s stopped announce: %v\n", t.id, err)
	}

	if err := t.disk.Shutdown(t.id); err != nil {
		log.Printf("[ERROR]\tengine: torrent %s disk shutdown: %v\n", t.id, err)
	}

	log.Printf("[INFO]\tengine: torrent %s shut down (%d/%d pieces)\n", t.id, t.picker.HaveCount(), t.meta.NumPieces())
}
