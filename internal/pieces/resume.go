package pieces

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/namvu9/bencode"

	"streambit/internal/errors"
	"streambit/pkg/bits"
)

// Resume state lets a restarted session skip re-verifying
// pieces that were already on disk. The blob is a small
// bencoded dictionary holding the info hash it belongs to
// and the verified-piece bitfield.

// SaveResume writes the store's current bitfield to path
func (s *Store) SaveResume(path string) error {
	var op errors.Op = "pieces.Store.SaveResume"

	s.mu.Lock()
	field := s.have.Copy()
	s.mu.Unlock()

	hash := s.torrent.InfoHash()

	var d bencode.Dictionary
	d.SetStringKey("info-hash", bencode.Bytes(hash[:]))
	d.SetStringKey("bitfield", bencode.Bytes(field.Bytes()))
	d.SetStringKey("pieces", bencode.Integer(s.torrent.NumPieces()))

	data, err := bencode.Marshal(&d)
	if err != nil {
		return errors.Wrap(err, op)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	return nil
}

// LoadResume restores the verified-piece bitfield from a
// resume blob. A blob written for a different torrent is
// rejected.
func (s *Store) LoadResume(path string) error {
	var op errors.Op = "pieces.Store.LoadResume"

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, op, errors.IO)
	}

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return errors.Wrap(err, op, errors.BadArgument)
	}

	savedHash, ok := d.GetBytes("info-hash")
	if !ok {
		return errors.Wrap(errors.New("resume blob without info hash"), op, errors.BadArgument)
	}

	hash := s.torrent.InfoHash()
	if !bytes.Equal(savedHash, hash[:]) {
		return errors.Wrap(errors.Newf("resume blob belongs to %x", savedHash), op, errors.BadArgument)
	}

	count, ok := d.GetInteger("pieces")
	if !ok || int(count) != s.torrent.NumPieces() {
		return errors.Wrap(errors.New("resume blob piece count mismatch"), op, errors.BadArgument)
	}

	raw, ok := d.GetBytes("bitfield")
	if !ok {
		return errors.Wrap(errors.New("resume blob without bitfield"), op, errors.BadArgument)
	}

	field, err := bits.FromBytes(raw, s.torrent.NumPieces())
	if err != nil {
		return errors.Wrap(err, op, errors.BadArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, idx := range field.Indices() {
		s.states[idx] = StateHave
		s.have.Set(idx)
	}

	return nil
}
