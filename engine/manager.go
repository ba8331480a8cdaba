package engine

import (
	"fmt"
	"sync"

	"gotorrent/config"
	"gotorrent/disk"
	"gotorrent/metainfo"
)

// Manager is the process-wide owner of the shared disk engine and
// every admitted torrent's orchestrator task.
type Manager struct {
	cfg    *config.Config
	disk   *disk.Engine
	events chan Event

	mu       sync.Mutex
	torrents map[string]*Torrent
}

// NewManager builds a Manager whose disk engine bounds concurrent
// blocking operations to diskPoolSize.
func NewManager(cfg *config.Config, diskPoolSize int) *Manager {
	return &Manager{
		cfg:      cfg,
		disk:     disk.NewEngine(diskPoolSize),
		events:   make(chan Event, 64),
		torrents: make(map[string]*Torrent),
	}
}

// Events returns the user-facing command stream (§6).
func (m *Manager) Events() <-chan Event { return m.events }

// AddTorrent admits a parsed torrent, pre-verifies whatever is
// already on disk, and starts its orchestrator task.
func (m *Manager) AddTorrent(meta *metainfo.MetaInfo, outputDir string) (*Torrent, error) {
	id := fmt.Sprintf("%x", meta.InfoHash)

	m.mu.Lock()
	if _, exists := m.torrents[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("engine: torrent %s already added", id)
	}
	m.mu.Unlock()

	t, err := newTorrent(id, meta, m.cfg, m.disk, m.events)
	if err != nil {
		return nil, err
	}

	bf, err := m.disk.AddTorrent(id, meta.Name, outputDir, meta.Files, meta.MultiFile, meta.PieceHashes, meta.Geometry, m.cfg.CacheCapacity, t.diskNotify)
	if err != nil {
		select {
		case m.events <- Event{Error: &TorrentError{ID: id, Err: err}}:
		default:
		}
		return nil, err
	}
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			t.picker.ReceivedPiece(i)
		}
	}

	m.mu.Lock()
	m.torrents[id] = t
	m.mu.Unlock()

	go t.run()
	return t, nil
}

// Shutdown cascades a graceful stop to every admitted torrent and
// blocks until all have finished.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	list := make([]*Torrent, 0, len(m.torrents))
	for _, t := range m.torrents {
		list = append(list, t)
	}
	m.mu.Unlock()

	for _, t := range list {
		t.Shutdown()
	}
}
