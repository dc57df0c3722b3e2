package btor

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"io/ioutil"
	"net/url"

	"github.com/namvu9/bencode"
	"streambit/internal/errors"
)

// Torrent contains the metadata for one or more files and
// wraps the torrent's bencoded dictionary. A Torrent created
// from a magnet link has no info dictionary until the
// metadata has been fetched from the swarm (see SetInfo).
type Torrent struct {
	dict  *bencode.Dictionary
	files []File
}

// Load reads a torrent from either a magnet link or a file
// on disk
func Load(location string) (*Torrent, error) {
	var op errors.Op = "btor.Load"

	p, err := url.PathUnescape(location)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	u, err := url.Parse(p)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	if u.Scheme == "magnet" {
		return LoadMagnetURL(u)
	}

	data, err := ioutil.ReadFile(location)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return LoadBytes(data)
}

// LoadBytes parses and validates bencoded torrent metadata
func LoadBytes(data []byte) (*Torrent, error) {
	var op errors.Op = "btor.LoadBytes"

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	return FromDict(d)
}

// FromDict wraps a bencoded dictionary and validates it
func FromDict(d *bencode.Dictionary) (*Torrent, error) {
	t := &Torrent{dict: d}

	if err := t.Validate(); err != nil {
		return nil, err
	}

	return t, nil
}

// Validate checks the structural invariants of the torrent's
// metadata. Torrents that only carry a magnet info-hash pass
// validation; the same checks run again once the info
// dictionary arrives.
func (t *Torrent) Validate() error {
	var op errors.Op = "btor.Validate"

	if t.InfoHash() == [20]byte{} {
		return errors.Wrap(errors.New("torrent has no info hash"), op, errors.BadArgument)
	}

	info, ok := t.Info()
	if !ok {
		// Magnet link: metadata not resolved yet
		return nil
	}

	pieceLength, ok := info.GetInteger("piece length")
	if !ok || pieceLength <= 0 {
		return errors.Wrap(errors.New("invalid piece length"), op, errors.BadArgument)
	}

	if pieceLength&(pieceLength-1) != 0 {
		return errors.Wrap(errors.Newf("piece length %d is not a power of two", pieceLength), op, errors.BadArgument)
	}

	piecesBytes, ok := info.GetBytes("pieces")
	if !ok || len(piecesBytes) == 0 {
		return errors.Wrap(errors.New("torrent has no piece hashes"), op, errors.BadArgument)
	}

	if len(piecesBytes)%20 != 0 {
		return errors.Wrap(errors.New("piece hash array is not a multiple of 20 bytes"), op, errors.BadArgument)
	}

	files, err := t.fileEntries()
	if err != nil {
		return err
	}

	var total int64
	for _, f := range files {
		total += int64(f.Length)
	}

	if total <= 0 {
		return errors.Wrap(errors.New("torrent has no payload"), op, errors.BadArgument)
	}

	wantPieces := int(ceilDiv(total, int64(pieceLength)))
	if gotPieces := len(piecesBytes) / 20; gotPieces != wantPieces {
		return errors.Wrap(
			errors.Newf("piece hash count %d inconsistent with payload size (want %d)", gotPieces, wantPieces),
			op, errors.BadArgument,
		)
	}

	return nil
}

// HasInfo reports whether the torrent's metadata has been
// resolved
func (t *Torrent) HasInfo() bool {
	_, ok := t.Info()
	return ok
}

// Info returns the torrent's info dictionary, if present
func (t *Torrent) Info() (*bencode.Dictionary, bool) {
	return t.dict.GetDict("info")
}

// SetInfo installs a metadata dictionary fetched from the
// swarm. The dictionary's SHA-1 hash must match the
// torrent's info hash.
func (t *Torrent) SetInfo(info *bencode.Dictionary) error {
	var op errors.Op = "btor.SetInfo"

	data, err := bencode.Marshal(info)
	if err != nil {
		return errors.Wrap(err, op)
	}

	refHash := t.InfoHash()
	hash := sha1.Sum(data)

	if !bytes.Equal(refHash[:], hash[:]) {
		return errors.Wrap(ErrHashMismatch, op, errors.BadArgument)
	}

	t.dict.SetStringKey("info", info)
	t.files = nil

	return t.Validate()
}

// ErrHashMismatch indicates that downloaded data failed
// SHA-1 verification
var ErrHashMismatch = errors.New("hash mismatch")

// InfoHash returns the SHA-1 hash of the bencoded info
// dictionary. The hash uniquely identifies the torrent.
func (t *Torrent) InfoHash() [20]byte {
	var out [20]byte

	b, ok := t.dict.GetBytes("info-hash")
	if ok {
		copy(out[:], b)
		return out
	}

	d, ok := t.Info()
	if !ok {
		return out
	}

	data, err := bencode.Marshal(d)
	if err != nil {
		return out
	}

	hash := sha1.Sum(data)
	t.dict.SetStringKey("info-hash", bencode.Bytes(hash[:]))

	return hash
}

// HexHash returns the hex-encoded info hash
func (t *Torrent) HexHash() string {
	hash := t.InfoHash()
	return hex.EncodeToString(hash[:])
}

// Name returns the torrent's display name
func (t *Torrent) Name() string {
	info, ok := t.Info()
	if ok {
		name, _ := info.GetString("name")
		return name
	}

	// The 'dn' field if the torrent was created from a magnet
	// link
	name, _ := t.dict.GetString("dn")
	return name
}

func (t *Torrent) PieceLength() Size {
	info, ok := t.Info()
	if !ok {
		return 0
	}

	pieceLength, _ := info.GetInteger("piece length")

	return Size(pieceLength)
}

// Pieces returns the 20-byte SHA-1 hashes of the torrent's
// pieces
func (t *Torrent) Pieces() [][]byte {
	info, ok := t.Info()
	if !ok {
		return nil
	}

	piecesBytes, ok := info.GetBytes("pieces")
	if !ok {
		return nil
	}

	var out [][]byte
	for i := 0; i+20 <= len(piecesBytes); i += 20 {
		out = append(out, piecesBytes[i:i+20])
	}

	return out
}

func (t *Torrent) NumPieces() int {
	info, ok := t.Info()
	if !ok {
		return 0
	}

	piecesBytes, _ := info.GetBytes("pieces")

	return len(piecesBytes) / 20
}

// Length returns the total size, in bytes, of the torrent
// payload
func (t *Torrent) Length() Size {
	var sum Size
	for _, file := range t.Files() {
		sum += file.Length
	}

	return sum
}

// PieceSize returns the size of piece i. Every piece has
// size PieceLength except possibly the last.
func (t *Torrent) PieceSize(i int) Size {
	var (
		pieceLen = t.PieceLength()
		total    = t.Length()
	)

	if i == t.NumPieces()-1 {
		if rem := total % pieceLen; rem != 0 {
			return rem
		}
	}

	return pieceLen
}

// VerifyPiece reports whether the SHA-1 hash of data equals
// the stored hash of piece i
func (t *Torrent) VerifyPiece(i int, data []byte) bool {
	pieces := t.Pieces()
	if i < 0 || i >= len(pieces) {
		return false
	}

	hash := sha1.Sum(data)

	return bytes.Equal(hash[:], pieces[i])
}

// Files returns the torrent's file layout with absolute byte
// offsets into the payload
func (t *Torrent) Files() []File {
	if t.files != nil {
		return t.files
	}

	files, err := t.fileEntries()
	if err != nil {
		return nil
	}

	t.files = files

	return t.files
}

func (t *Torrent) fileEntries() ([]File, error) {
	var op errors.Op = "btor.fileEntries"

	info, ok := t.Info()
	if !ok {
		return nil, errors.Wrap(errors.New("torrent has no info dictionary"), op, errors.BadArgument)
	}

	name, _ := info.GetString("name")
	list, ok := info.GetList("files")

	// Single-file torrent
	if !ok {
		length, ok := info.GetInteger("length")
		if !ok || length <= 0 {
			return nil, errors.Wrap(errors.New("invalid file length"), op, errors.BadArgument)
		}

		return []File{{
			Name:     name,
			FullPath: name,
			Offset:   0,
			Length:   Size(length),
		}}, nil
	}

	var out []File
	var offset Size

	for _, entry := range list {
		fDict, ok := entry.ToDict()
		if !ok {
			return nil, errors.Wrap(errors.New("malformed file entry"), op, errors.BadArgument)
		}

		length, ok := fDict.GetInteger("length")
		if !ok || length < 0 {
			return nil, errors.Wrap(errors.New("file entry has invalid length"), op, errors.BadArgument)
		}

		segments, ok := fDict.GetList("path")
		if !ok || len(segments) == 0 {
			return nil, errors.Wrap(errors.New("file entry has no path"), op, errors.BadArgument)
		}

		f := newFile(segments, offset, Size(length))
		out = append(out, f)

		offset += Size(length)
	}

	return out, nil
}

// AnnounceList returns the tracker URL tiers defined in
// BEP-12, falling back to the top-level announce field
func (t *Torrent) AnnounceList() [][]string {
	var out [][]string

	l, ok := t.dict.GetList("announce-list")
	if !ok {
		if announce, ok := t.dict.GetString("announce"); ok {
			return [][]string{{announce}}
		}

		return out
	}

	for _, tier := range l {
		v, ok := tier.ToList()
		if !ok {
			continue
		}

		var trackers []string
		for _, s := range v {
			trackerURL, _ := s.ToBytes()
			trackers = append(trackers, string(trackerURL))
		}

		out = append(out, trackers)
	}

	return out
}

// Bytes returns the torrent's bencoded form
func (t *Torrent) Bytes() []byte {
	data, err := bencode.Marshal(t.dict)
	if err != nil {
		return nil
	}

	return data
}

// Dict returns the torrent's underlying bencoded dictionary
func (t *Torrent) Dict() *bencode.Dictionary {
	return t.dict
}

// Save writes the torrent's bencoded form to path
func Save(path string, t *Torrent) error {
	var op errors.Op = "btor.Save"

	data, err := bencode.Marshal(t.dict)
	if err != nil {
		return errors.Wrap(err, op)
	}

	err = ioutil.WriteFile(path, data, 0755)
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

func ceilDiv(a, b int64) int64 {
	if a%b == 0 {
		return a / b
	}

	return a/b + 1
}
