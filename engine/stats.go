package engine

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Stats is one torrent's point-in-time counters (§6's TorrentStats payload).
type Stats struct {
	Downloaded     int64
	Uploaded       int64
	DownloadRate   float64 // bytes/sec, averaged over the last tick
	UploadRate     float64
	Peers          int
	HavePieces     int
	TotalPieces    int
	Left           int64
}

// String renders a stats line the way the teacher's download loop logs
// progress, now via go-humanize instead of hand-rolled byte formatting.
func (s Stats) String() string {
	return fmt.Sprintf("%s/%s pieces, %s down (%s/s), %s up (%s/s), %d peers",
		humanize.Comma(int64(s.HavePieces)), humanize.Comma(int64(s.TotalPieces)),
		humanize.Bytes(uint64(s.Downloaded)), humanize.Bytes(uint64(s.DownloadRate)),
		humanize.Bytes(uint64(s.Uploaded)), humanize.Bytes(uint64(s.UploadRate)),
		s.Peers)
}

// Event is the tagged union pushed to the user-facing command stream
// (§6): exactly one field is non-nil.
type Event struct {
	Stats    *TorrentStats
	Complete *TorrentComplete
	Error    *TorrentError
}

// TorrentStats is published roughly once a second per active torrent.
type TorrentStats struct {
	ID    string
	Stats Stats
	At    time.Time
}

// TorrentComplete fires exactly once, when every piece is verified.
type TorrentComplete struct {
	ID string
}

// TorrentError reports a non-fatal-to-the-engine failure (tracker
// exhaustion with an empty local store, disk AllocationError, etc.).
type TorrentError struct {
	ID  string
	Err error
}
