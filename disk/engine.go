// Package disk implements the process-wide disk subsystem (§4.6): one
// logical owner of every torrent's file handles, in-progress write
// assembly, and LRU read cache, with hashing and seek/read/write calls
// bounded by a shared blocking-task pool (a buffered-channel semaphore),
// grounded on the teacher's semaphore-channel concurrency pattern in
// torrent/p2p.go generalized from "bound outbound peer dials" to
// "bound concurrent blocking disk operations".
package disk

import (
	"crypto/sha1"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"gotorrent/bitfield"
	"gotorrent/geometry"
	"gotorrent/picker"
	"gotorrent/xerr"
)

// PieceWritten is the disk->orchestrator notification for one
// completed write attempt, successful or not.
type PieceWritten struct {
	TorrentID string
	Index     int
	Valid     bool
}

// BlockRead is the disk->peer-session reply to a ReadBlock request.
type BlockRead struct {
	Info picker.BlockInfo
	Data []byte
}

// Engine multiplexes every admitted torrent's disk work. It has no
// internal command-dispatch goroutine of its own (unlike the session
// and orchestrator tasks): concurrent callers serialize per torrent
// on write assembly via torrentStore.mu, handleMu keeps a torrent's
// files from closing under in-flight reads and writes, and the
// shared pool channel bounds how many blocking hash/seek/read/write
// calls may run at once process-wide.
type Engine struct {
	mu       sync.RWMutex
	torrents map[string]*torrentStore
	pool     chan struct{}
}

// NewEngine builds a disk engine whose blocking-task pool admits at
// most poolSize concurrent hash/seek/read/write operations.
func NewEngine(poolSize int) *Engine {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Engine{
		torrents: make(map[string]*torrentStore),
		pool:     make(chan struct{}, poolSize),
	}
}

// AddTorrent admits a torrent for disk I/O: it opens (creating as
// needed) every declared file under outputDir, then runs
// check_existing_files to derive the initial own bitfield from
// whatever bytes are already present on disk.
func (e *Engine) AddTorrent(
	id, name, outputDir string,
	files []geometry.FileSpan,
	multiFile bool,
	pieceHashes [][20]byte,
	geom geometry.Geometry,
	cacheCapacity int,
	notify chan<- PieceWritten,
) (*bitfield.Bitfield, error) {
	e.mu.Lock()
	if _, exists := e.torrents[id]; exists {
		e.mu.Unlock()
		return nil, xerr.New(xerr.KindAllocationError, "disk.AddTorrent", fmt.Errorf("torrent %s already admitted", id))
	}
	e.mu.Unlock()

	handles, err := openFiles(outputDir, name, files, multiFile)
	if err != nil {
		return nil, xerr.New(xerr.KindAllocationError, "disk.AddTorrent", err)
	}

	store := &torrentStore{
		id:          id,
		name:        name,
		files:       files,
		handles:     handles,
		pieceHashes: pieceHashes,
		geom:        geom,
		writing:     make(map[int]*pieceAssembly),
		cache:       newReadCache(cacheCapacity),
		notify:      notify,
	}

	bf := e.checkExistingFiles(store)

	e.mu.Lock()
	e.torrents[id] = store
	e.mu.Unlock()

	log.Printf("[INFO]\tdisk: admitted torrent %s (%d files, %d pieces, %d already verified)\n",
		id, len(files), geom.NumPieces, bf.Count())
	return bf, nil
}

// checkExistingFiles re-verifies every piece against what is already
// on disk, setting the returned bitfield's bit on a hash match. Read
// errors for an individual piece are treated as "not present".
func (e *Engine) checkExistingFiles(s *torrentStore) *bitfield.Bitfield {
	bf := bitfield.New(s.geom.NumPieces)
	for idx := 0; idx < s.geom.NumPieces; idx++ {
		pieceLen := s.geom.PieceLen(idx)
		data, err := s.readSpans(int64(idx)*s.geom.PieceLength, pieceLen)
		if err != nil {
			continue
		}
		sum := sha1.Sum(data)
		if sum == s.pieceHashes[idx] {
			bf.Set(idx)
		}
	}
	return bf
}

func (e *Engine) store(id string) (*torrentStore, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.torrents[id]
	if !ok {
		return nil, xerr.New(xerr.KindIO, "disk.store", fmt.Errorf("unknown torrent %s", id))
	}
	return s, nil
}

// WriteBlock assembles one inbound block into its piece's write
// buffer; duplicates are discarded. Once every block of the piece has
// arrived, hashing and the cross-file write run on the blocking-task
// pool and the result is reported on notify.
func (e *Engine) WriteBlock(id string, info picker.BlockInfo, data []byte) {
	s, err := e.store(id)
	if err != nil {
		log.Printf("[ERROR]\tdisk.WriteBlock: %v\n", err)
		return
	}

	s.mu.Lock()
	asm, ok := s.writing[info.PieceIdx]
	if !ok {
		asm = newPieceAssembly(s.geom.PieceLen(info.PieceIdx))
		s.writing[info.PieceIdx] = asm
	}
	if !asm.put(info.Offset, info.Length, data) {
		s.mu.Unlock()
		log.Printf("[INFO]\tdisk: duplicate block for piece %d offset %d discarded\n", info.PieceIdx, info.Offset)
		return
	}
	complete := asm.complete()
	if complete {
		delete(s.writing, info.PieceIdx)
	}
	s.mu.Unlock()

	if !complete {
		return
	}

	e.pool <- struct{}{}
	go func() {
		defer func() { <-e.pool }()
		e.finishPiece(s, info.PieceIdx, asm.buf)
	}()
}

func (e *Engine) finishPiece(s *torrentStore, idx int, data []byte) {
	sum := sha1.Sum(data)
	if sum != s.pieceHashes[idx] {
		log.Printf("[ERROR]\tdisk: piece %d hash mismatch for torrent %s\n", idx, s.id)
		s.notify <- PieceWritten{TorrentID: s.id, Index: idx, Valid: false}
		return
	}

	if err := s.writeSpans(int64(idx)*s.geom.PieceLength, data); err != nil {
		log.Printf("[ERROR]\tdisk: %v\n", xerr.New(xerr.KindIOSize, "disk.finishPiece", err))
		s.notify <- PieceWritten{TorrentID: s.id, Index: idx, Valid: false}
		return
	}

	s.notify <- PieceWritten{TorrentID: s.id, Index: idx, Valid: true}
	log.Printf("[INFO]\tdisk: piece %d written for torrent %s (%d bytes)\n", idx, s.id, len(data))
}

// ReadBlock serves a single block, either immediately from the read
// cache or, on a blocking-task-pool goroutine, by reading the whole
// piece from disk, splitting it into block-sized chunks, caching it,
// and then replying. Reads never re-hash.
func (e *Engine) ReadBlock(id string, info picker.BlockInfo, reply chan<- BlockRead) {
	s, err := e.store(id)
	if err != nil {
		log.Printf("[ERROR]\tdisk.ReadBlock: %v\n", err)
		return
	}

	blockIdx := info.Offset / geometry.BlockLen
	if chunks, ok := s.cache.get(info.PieceIdx); ok && blockIdx < len(chunks) {
		reply <- BlockRead{Info: info, Data: chunks[blockIdx]}
		return
	}

	e.pool <- struct{}{}
	go func() {
		defer func() { <-e.pool }()
		pieceLen := s.geom.PieceLen(info.PieceIdx)
		data, err := s.readSpans(int64(info.PieceIdx)*s.geom.PieceLength, pieceLen)
		if err != nil {
			log.Printf("[ERROR]\tdisk: reading piece %d: %v\n", info.PieceIdx, err)
			return
		}

		chunks := splitBlocks(data)
		s.cache.put(info.PieceIdx, chunks)

		if blockIdx >= len(chunks) {
			log.Printf("[ERROR]\tdisk: block index %d out of range for piece %d\n", blockIdx, info.PieceIdx)
			return
		}
		reply <- BlockRead{Info: info, Data: chunks[blockIdx]}
	}()
}

func splitBlocks(piece []byte) [][]byte {
	n := geometry.NumBlocks(int64(len(piece)))
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * geometry.BlockLen
		end := start + int(geometry.BlockLenAt(int64(len(piece)), i))
		out[i] = piece[start:end]
	}
	return out
}

// Shutdown closes a torrent's file handles and drops it from the
// engine. Any blocking-task-pool goroutine already in flight for it
// is allowed to finish; its notify send may land on a closed channel,
// which is the caller's responsibility to tolerate per §5.
func (e *Engine) Shutdown(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.torrents[id]
	if !ok {
		return xerr.New(xerr.KindIO, "disk.Shutdown", fmt.Errorf("unknown torrent %s", id))
	}
	s.close()
	delete(e.torrents, id)
	return nil
}

// Wait blocks until every in-flight blocking-task-pool slot is free,
// synchronizing on asynchronous WriteBlock/ReadBlock completions via
// an errgroup-driven drain.
func (e *Engine) Wait() {
	var g errgroup.Group
	for i := 0; i < cap(e.pool); i++ {
		g.Go(func() error {
			e.pool <- struct{}{}
			<-e.pool
			return nil
		})
	}
	g.Wait()
}
