package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gotorrent/geometry"
)

// pieceAssembly is the disk engine's own per-piece write buffer,
// independent of the picker's PartialPiece: the picker tracks
// Free/Requested/Received state for scheduling which blocks to ask
// for next, while pieceAssembly only tracks which block offsets this
// torrent's disk store has actually received bytes for, so that a
// piece is hashed and written exactly once all of its bytes have
// arrived over (possibly several) WriteBlock commands (§4.6).
type pieceAssembly struct {
	buf      []byte
	received []bool
	nRecv    int
}

func newPieceAssembly(length int64) *pieceAssembly {
	return &pieceAssembly{
		buf:      make([]byte, length),
		received: make([]bool, geometry.NumBlocks(length)),
	}
}

func (p *pieceAssembly) complete() bool { return p.nRecv == len(p.received) }

// put copies data at the given in-piece offset, returning false if
// this exact offset was already received (duplicate block).
func (p *pieceAssembly) put(offset, length int, data []byte) bool {
	idx := offset / geometry.BlockLen
	if idx < 0 || idx >= len(p.received) || p.received[idx] {
		return false
	}
	copy(p.buf[offset:offset+length], data)
	p.received[idx] = true
	p.nRecv++
	return true
}

// torrentStore holds one torrent's file handles, piece hashes, and
// in-progress write buffers — the disk engine's exclusive ownership
// domain per §3/§4.6.
type torrentStore struct {
	id          string
	name        string
	files       []geometry.FileSpan
	handles     []*os.File
	handleMu    sync.RWMutex
	pieceHashes [][20]byte
	geom        geometry.Geometry

	mu      sync.Mutex
	writing map[int]*pieceAssembly

	cache  *readCache
	notify chan<- PieceWritten
}

// openFiles creates (or opens) every file declared by files under
// root, creating parent directories as needed. Multi-file torrents
// nest under a directory named after the torrent; single-file
// torrents write directly into root.
func openFiles(root, name string, files []geometry.FileSpan, multiFile bool) ([]*os.File, error) {
	base := root
	if multiFile {
		base = filepath.Join(root, name)
	}

	handles := make([]*os.File, 0, len(files))
	for _, span := range files {
		full := filepath.Join(base, span.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			for _, h := range handles {
				h.Close()
			}
			return nil, fmt.Errorf("creating directory for %s: %w", full, err)
		}
		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			for _, h := range handles {
				h.Close()
			}
			return nil, fmt.Errorf("opening %s: %w", full, err)
		}
		handles = append(handles, f)
	}
	return handles, nil
}

// writeSpans writes data (the full bytes of one piece) across every
// file it intersects, each file receiving exactly the slice
// corresponding to its PieceSpan.
func (s *torrentStore) writeSpans(pieceOffset int64, data []byte) error {
	spans := geometry.Intersect(s.files, pieceOffset, int64(len(data)))
	var consumed int64
	s.handleMu.RLock()
	defer s.handleMu.RUnlock()
	for _, sp := range spans {
		chunk := data[consumed : consumed+sp.Length]
		n, err := s.handles[sp.FileIndex].WriteAt(chunk, sp.FileStart)
		if err != nil {
			return fmt.Errorf("writing %s: %w", s.files[sp.FileIndex].Path, err)
		}
		if int64(n) != sp.Length {
			return fmt.Errorf("short write to %s: wrote %d of %d", s.files[sp.FileIndex].Path, n, sp.Length)
		}
		consumed += sp.Length
	}
	return nil
}

// readSpans reads one whole piece's bytes back across every file it intersects.
func (s *torrentStore) readSpans(pieceOffset, pieceLen int64) ([]byte, error) {
	spans := geometry.Intersect(s.files, pieceOffset, pieceLen)
	out := make([]byte, pieceLen)
	var consumed int64
	s.handleMu.RLock()
	defer s.handleMu.RUnlock()
	for _, sp := range spans {
		n, err := s.handles[sp.FileIndex].ReadAt(out[consumed:consumed+sp.Length], sp.FileStart)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.files[sp.FileIndex].Path, err)
		}
		if int64(n) != sp.Length {
			return nil, fmt.Errorf("short read from %s: read %d of %d", s.files[sp.FileIndex].Path, n, sp.Length)
		}
		consumed += sp.Length
	}
	return out, nil
}

func (s *torrentStore) close() {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	for _, h := range s.handles {
		h.Close()
	}
}
