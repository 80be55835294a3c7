// Package metainfo parses and validates a torrent descriptor from its
// bencoded wire format, exposing the file layout, piece hashes, and
// the SHA-1 info hash that identifies the swarm.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/nilgrip/bitdl/internal/bencode"
	"github.com/nilgrip/bitdl/internal/errs"
)

const hashLen = 20

// File is one file within the torrent's content layout.
type File struct {
	Path   string // path relative to the destination; for multi-file torrents it starts with the torrent name
	Length int64
	Offset int64 // byte offset within the concatenated content
	Exists bool  // whether the file already exists on disk; Load does not check the disk and leaves it false
}

// Metainfo is the immutable, validated torrent descriptor.
type Metainfo struct {
	InfoHash [hashLen]byte

	Announce     string
	AnnounceList [][]string // tiered list of announce URLs

	Name        string
	PieceLength int64
	NumPieces   uint32
	PieceHashes [][hashLen]byte

	Files       []File
	MultiFile   bool
	TotalLength int64

	Private      bool
	Comment      string
	CreatedBy    string
	CreationDate time.Time
}

// Load decodes and validates a metainfo file from raw bytes.
func Load(raw []byte) (*Metainfo, error) {
	top, n, err := bencode.Decode(raw)
	if err != nil {
		return nil, errs.New(errs.KindMetainfo, "decode", err)
	}
	if n != len(raw) {
		return nil, errs.New(errs.KindMetainfo, "decode", fmt.Errorf("%d trailing bytes after top-level value", len(raw)-n))
	}
	if top.Kind != bencode.KindDict {
		return nil, errs.New(errs.KindMetainfo, "validate", fmt.Errorf("top-level value is not a dictionary"))
	}

	infoVal, ok := top.Get("info")
	if !ok {
		return nil, errs.New(errs.KindMetainfo, "validate", fmt.Errorf("missing required key %q", "info"))
	}
	announce, hasAnnounce := top.Get("announce")
	announceList, hasAnnounceList := top.Get("announce-list")
	if !hasAnnounce && !hasAnnounceList {
		return nil, errs.New(errs.KindMetainfo, "validate", fmt.Errorf("missing both %q and %q", "announce", "announce-list"))
	}

	mi := &Metainfo{}
	if hasAnnounce {
		mi.Announce = string(announce.MustString())
	}
	mi.AnnounceList = flattenAnnounceList(announceList)
	if len(mi.AnnounceList) == 0 && mi.Announce != "" {
		mi.AnnounceList = [][]string{{mi.Announce}}
	}

	if v, ok := top.Get("comment"); ok {
		mi.Comment = string(v.MustString())
	}
	if v, ok := top.Get("created by"); ok {
		mi.CreatedBy = string(v.MustString())
	}
	if v, ok := top.Get("creation date"); ok && v.Kind == bencode.KindInt {
		mi.CreationDate = time.Unix(v.Int, 0).UTC()
	}

	if err := mi.fillInfo(infoVal); err != nil {
		return nil, err
	}

	// The info hash is SHA-1 of the canonical re-encoding of the info
	// sub-tree: the decoder's canonicalization of key order guarantees
	// this matches any other client's computation of the same torrent.
	mi.InfoHash = sha1.Sum(bencode.Encode(infoVal))

	return mi, nil
}

func flattenAnnounceList(v bencode.Value) [][]string {
	if v.Kind != bencode.KindList {
		return nil
	}
	tiers := make([][]string, 0, len(v.List))
	for _, tierVal := range v.List {
		if tierVal.Kind != bencode.KindList {
			continue
		}
		tier := make([]string, 0, len(tierVal.List))
		for _, urlVal := range tierVal.List {
			if s := urlVal.MustString(); s != nil {
				tier = append(tier, string(s))
			}
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

func (mi *Metainfo) fillInfo(info bencode.Value) error {
	if info.Kind != bencode.KindDict {
		return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("info is not a dictionary"))
	}
	nameVal, _ := info.Get("name")
	mi.Name = string(nameVal.MustString())

	plVal, ok := info.Get("piece length")
	if !ok || plVal.Kind != bencode.KindInt || plVal.Int <= 0 {
		return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("missing or invalid %q", "piece length"))
	}
	mi.PieceLength = plVal.Int

	piecesVal, ok := info.Get("pieces")
	if !ok || piecesVal.Kind != bencode.KindString {
		return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("missing %q", "pieces"))
	}
	pieces := piecesVal.MustString()
	if len(pieces)%hashLen != 0 {
		return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("pieces length %d is not a multiple of %d", len(pieces), hashLen))
	}
	mi.NumPieces = uint32(len(pieces) / hashLen)
	mi.PieceHashes = make([][hashLen]byte, mi.NumPieces)
	for i := range mi.PieceHashes {
		copy(mi.PieceHashes[i][:], pieces[i*hashLen:(i+1)*hashLen])
	}

	if privVal, ok := info.Get("private"); ok && privVal.Kind == bencode.KindInt {
		mi.Private = privVal.Int != 0
	}

	filesVal, multiFile := info.Get("files")
	if multiFile {
		if filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
			return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("%q must be a non-empty list", "files"))
		}
		mi.MultiFile = true
		var offset int64
		for _, fv := range filesVal.List {
			f, err := parseFileEntry(fv, offset)
			if err != nil {
				return err
			}
			if mi.Name != "" {
				f.Path = mi.Name + "/" + f.Path
			}
			mi.Files = append(mi.Files, f)
			offset += f.Length
		}
		mi.TotalLength = offset
	} else {
		lenVal, ok := info.Get("length")
		if !ok || lenVal.Kind != bencode.KindInt {
			return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("missing %q for single-file torrent", "length"))
		}
		mi.TotalLength = lenVal.Int
		mi.Files = []File{{Path: mi.Name, Length: lenVal.Int, Offset: 0}}
	}

	if mi.NumPieces == 0 {
		return errs.New(errs.KindMetainfo, "validate", fmt.Errorf("torrent has zero pieces"))
	}
	lastPieceLength := mi.TotalLength - int64(mi.NumPieces-1)*mi.PieceLength
	if lastPieceLength <= 0 || lastPieceLength > mi.PieceLength {
		return errs.New(errs.KindMetainfo, "validate", fmt.Errorf(
			"total length %d inconsistent with %d pieces of length %d", mi.TotalLength, mi.NumPieces, mi.PieceLength))
	}
	return nil
}

func parseFileEntry(v bencode.Value, offset int64) (File, error) {
	if v.Kind != bencode.KindDict {
		return File{}, errs.New(errs.KindMetainfo, "validate", fmt.Errorf("file entry is not a dictionary"))
	}
	lenVal, ok := v.Get("length")
	if !ok || lenVal.Kind != bencode.KindInt {
		return File{}, errs.New(errs.KindMetainfo, "validate", fmt.Errorf("file entry missing %q", "length"))
	}
	pathVal, ok := v.Get("path")
	if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
		return File{}, errs.New(errs.KindMetainfo, "validate", fmt.Errorf("file entry missing non-empty %q", "path"))
	}
	parts := make([]string, 0, len(pathVal.List))
	for _, p := range pathVal.List {
		if s := p.MustString(); s != nil {
			parts = append(parts, string(s))
		}
	}
	return File{Path: joinPath(parts), Length: lenVal.Int, Offset: offset}, nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// PieceLengthFor returns the nominal length of piece index i, which
// may be shorter only if i is the last piece.
func (mi *Metainfo) PieceLengthFor(i uint32) int64 {
	if i == mi.NumPieces-1 {
		return mi.TotalLength - int64(i)*mi.PieceLength
	}
	return mi.PieceLength
}

// String returns a short human-readable summary, used only for
// logging - never a UI.
func (mi *Metainfo) String() string {
	return fmt.Sprintf("%s (%d pieces, %d bytes, info_hash=%x)", mi.Name, mi.NumPieces, mi.TotalLength, mi.InfoHash)
}
