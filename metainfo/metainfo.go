// Package metainfo parses the .torrent metainfo dictionary and derives
// the info-hash, file layout, and piece geometry (§4.2). It is
// structured after the teacher's TorrentFile/TorrentInfo tagged
// structs, now decoded and re-encoded through our own bencode codec
// instead of jackpal/bencode-go so the info-hash's canonical
// key-ordered encoding is ours to guarantee.
package metainfo

import (
	"crypto/sha1"
	"fmt"

	"gotorrent/bencode"
	"gotorrent/geometry"
	"gotorrent/xerr"
)

// RawFile describes one entry of a multi-file torrent's "files" list.
type RawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
	MD5Sum string   `bencode:"md5sum,omitempty"`
}

// RawInfo mirrors the metainfo "info" dictionary.
type RawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length,omitempty"`
	Files       []RawFile `bencode:"files,omitempty"`
	Private     int64     `bencode:"private,omitempty"`
}

// RawMetaInfo mirrors the top-level metainfo dictionary.
type RawMetaInfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	Info         RawInfo    `bencode:"info"`
}

// MetaInfo is the parsed, derived form of a torrent descriptor: the
// info-hash, the announce tiers, and the flat FileSpan list in
// declaration order.
type MetaInfo struct {
	InfoHash     [20]byte
	Announce     string
	AnnounceList [][]string
	Name         string
	PieceHashes  [][20]byte
	Geometry     geometry.Geometry
	Files        []geometry.FileSpan
	MultiFile    bool
}

const pieceHashLen = 20

// Parse decodes a .torrent file's bytes into a MetaInfo, computing the
// info-hash as SHA-1 of the re-encoded info dictionary (§4.1 — not a
// substring of the original bytes, so re-serialization is load-bearing).
func Parse(data []byte) (*MetaInfo, error) {
	var raw RawMetaInfo
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, xerr.New(xerr.KindInvalidToken, "metainfo.Parse", err)
	}

	if len(raw.Info.Pieces)%pieceHashLen != 0 || len(raw.Info.Pieces) == 0 {
		return nil, xerr.New(xerr.KindInvalidType, "metainfo.Parse", fmt.Errorf("InvalidPiecesLength: %d", len(raw.Info.Pieces)))
	}

	infoBytes, err := bencode.Marshal(raw.Info)
	if err != nil {
		return nil, xerr.New(xerr.KindInvalidType, "metainfo.Parse", err)
	}
	hash := sha1.Sum(infoBytes)

	numPieces := len(raw.Info.Pieces) / pieceHashLen
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], raw.Info.Pieces[i*pieceHashLen:(i+1)*pieceHashLen])
	}

	files, total, err := buildFileSpans(raw.Info)
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		InfoHash:     hash,
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Name:         raw.Info.Name,
		PieceHashes:  hashes,
		Geometry:     geometry.New(total, raw.Info.PieceLength),
		Files:        files,
		MultiFile:    len(raw.Info.Files) > 0,
	}, nil
}

func buildFileSpans(info RawInfo) ([]geometry.FileSpan, int64, error) {
	if len(info.Files) == 0 {
		if info.Length <= 0 {
			return nil, 0, xerr.New(xerr.KindInvalidType, "metainfo.buildFileSpans", fmt.Errorf("FileNoSize"))
		}
		return []geometry.FileSpan{{Path: info.Name, Length: info.Length, Offset: 0}}, info.Length, nil
	}

	spans := make([]geometry.FileSpan, 0, len(info.Files))
	var offset int64
	for _, f := range info.Files {
		if len(f.Path) == 0 || f.Path[len(f.Path)-1] == "" {
			return nil, 0, xerr.New(xerr.KindInvalidType, "metainfo.buildFileSpans", fmt.Errorf("FileEmptyPath"))
		}
		if f.Length <= 0 {
			return nil, 0, xerr.New(xerr.KindInvalidType, "metainfo.buildFileSpans", fmt.Errorf("FileNoSize"))
		}
		spans = append(spans, geometry.FileSpan{Path: joinPath(f.Path), Length: f.Length, Offset: offset})
		offset += f.Length
	}
	return spans, offset, nil
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// PieceLen returns the length of piece idx.
func (m *MetaInfo) PieceLen(idx int) int64 { return m.Geometry.PieceLen(idx) }

// NumPieces returns the piece count.
func (m *MetaInfo) NumPieces() int { return m.Geometry.NumPieces }
