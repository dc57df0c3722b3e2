package pieces

import (
	"os"
	"path/filepath"
	"sync"

	"streambit/internal/errors"
	"streambit/pkg/bits"
	"streambit/pkg/btor"
)

// BlockSize is the request granularity for piece transfers
const BlockSize = 16 * 1024

// PieceState tracks a piece through download. Transitions
// are monotonic except Requested reverting to Missing when
// the requesting peer disconnects or times out.
type PieceState int

const (
	StateMissing PieceState = iota
	StateRequested
	StateVerifying
	StateHave
)

func (s PieceState) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateRequested:
		return "requested"
	case StateVerifying:
		return "verifying"
	default:
		return "have"
	}
}

// Outcome is the result of submitting a block
type Outcome int

const (
	// The block was buffered; the piece is still incomplete
	OutcomeStored Outcome = iota

	// The block completed its piece and the piece hash
	// matched
	OutcomeVerified

	// The block completed its piece but the hash did not
	// match; the buffer was discarded and the piece is
	// Missing again
	OutcomeHashMismatch

	// The piece was already verified; the block was dropped
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeVerified:
		return "verified"
	case OutcomeHashMismatch:
		return "hash mismatch"
	default:
		return "ignored"
	}
}

// ErrNotAvailable is returned by ReadRange when the range
// covers a piece that has not been verified yet
var ErrNotAvailable = errors.New("range not available")

type pieceBuffer struct {
	data     []byte
	received map[uint32]int
	got      int
}

// Store owns a torrent's payload on disk and the
// authoritative bitfield. All block submissions are
// serialized through one mutex so a piece verifies and
// flushes exactly once even when two peers race to deliver
// its last block.
type Store struct {
	torrent *btor.Torrent
	baseDir string

	mu      sync.Mutex
	states  []PieceState
	have    bits.BitField
	buffers map[int]*pieceBuffer
	files   []*os.File
	closed  bool
}

func New(t *btor.Torrent, baseDir string) *Store {
	n := t.NumPieces()

	return &Store{
		torrent: t,
		baseDir: baseDir,
		states:  make([]PieceState, n),
		have:    bits.New(n),
		buffers: make(map[int]*pieceBuffer),
		files:   make([]*os.File, len(t.Files())),
	}
}

// MarkRequested notes that a peer has been asked for the
// piece. Has no effect on pieces that are past Missing.
func (s *Store) MarkRequested(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validIndex(index) && s.states[index] == StateMissing {
		s.states[index] = StateRequested
	}
}

// Release reverts a Requested piece to Missing, returning
// it to the selectable candidate set
func (s *Store) Release(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.validIndex(index) && s.states[index] == StateRequested {
		s.states[index] = StateMissing
		delete(s.buffers, index)
	}
}

func (s *Store) State(index int) PieceState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validIndex(index) {
		return StateMissing
	}

	return s.states[index]
}

func (s *Store) Has(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.have.Get(index)
}

// HasByte reports whether the piece containing the given
// byte offset has been verified
func (s *Store) HasByte(offset int64) bool {
	return s.Has(int(offset / int64(s.torrent.PieceLength())))
}

// Bitfield returns a copy of the verified-piece bitfield
func (s *Store) Bitfield() bits.BitField {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.have.Copy()
}

// BytesCompleted is the number of payload bytes covered by
// verified pieces
func (s *Store) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out int64
	for _, idx := range s.have.Indices() {
		out += int64(s.torrent.PieceSize(idx))
	}

	return out
}

func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.have.Count() == s.torrent.NumPieces()
}

// SubmitBlock buffers a block for the given piece. When the
// block completes its piece, the piece is hash-verified and,
// on a match, flushed to disk.
func (s *Store) SubmitBlock(index int, offset uint32, data []byte) (Outcome, error) {
	var op errors.Op = "pieces.Store.SubmitBlock"

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validIndex(index) {
		return OutcomeIgnored, errors.Wrap(errors.Newf("piece index %d out of range", index), op, errors.BadArgument)
	}

	if s.closed {
		return OutcomeIgnored, errors.Wrap(errors.New("store is closed"), op)
	}

	if s.have.Get(index) {
		return OutcomeIgnored, nil
	}

	pieceSize := int(s.torrent.PieceSize(index))
	if int(offset)+len(data) > pieceSize {
		return OutcomeIgnored, errors.Wrap(errors.Newf("block %d+%d overflows piece %d", offset, len(data), index), op, errors.BadArgument)
	}

	buf, ok := s.buffers[index]
	if !ok {
		buf = &pieceBuffer{
			data:     make([]byte, pieceSize),
			received: make(map[uint32]int),
		}
		s.buffers[index] = buf
	}

	if _, dup := buf.received[offset]; dup {
		return OutcomeStored, nil
	}

	copy(buf.data[offset:], data)
	buf.received[offset] = len(data)
	buf.got += len(data)

	if buf.got < pieceSize {
		return OutcomeStored, nil
	}

	s.states[index] = StateVerifying
	delete(s.buffers, index)

	if !s.torrent.VerifyPiece(index, buf.data) {
		s.states[index] = StateMissing
		return OutcomeHashMismatch, nil
	}

	if err := s.flush(index, buf.data); err != nil {
		s.states[index] = StateMissing
		return OutcomeIgnored, errors.Wrap(err, op, errors.IO)
	}

	s.states[index] = StateHave
	s.have.Set(index)

	return OutcomeVerified, nil
}

// flush writes a verified piece to its position in the
// payload files, splitting the write where the piece
// straddles a file boundary. Callers hold s.mu.
func (s *Store) flush(index int, data []byte) error {
	start := int64(index) * int64(s.torrent.PieceLength())

	return s.eachFileRegion(start, len(data), func(fileIdx int, fileOff, dataOff int64, n int) error {
		f, err := s.file(fileIdx)
		if err != nil {
			return err
		}

		_, err = f.WriteAt(data[dataOff:dataOff+int64(n)], fileOff)
		return err
	})
}

// ReadRange reads length bytes of payload starting at the
// given absolute offset. Fails with ErrNotAvailable if any
// covered piece is not verified.
func (s *Store) ReadRange(offset int64, length int) ([]byte, error) {
	var op errors.Op = "pieces.Store.ReadRange"

	if length <= 0 {
		return nil, nil
	}

	if offset < 0 || offset+int64(length) > int64(s.torrent.Length()) {
		return nil, errors.Wrap(errors.Newf("range %d+%d outside payload", offset, length), op, errors.BadArgument)
	}

	pieceLen := int64(s.torrent.PieceLength())

	s.mu.Lock()
	for p := offset / pieceLen; p <= (offset+int64(length)-1)/pieceLen; p++ {
		if !s.have.Get(int(p)) {
			s.mu.Unlock()
			return nil, ErrNotAvailable
		}
	}
	s.mu.Unlock()

	out := make([]byte, length)

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.eachFileRegion(offset, length, func(fileIdx int, fileOff, dataOff int64, n int) error {
		f, err := s.file(fileIdx)
		if err != nil {
			return err
		}

		_, err = f.ReadAt(out[dataOff:dataOff+int64(n)], fileOff)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return out, nil
}

// eachFileRegion visits every file region overlapping the
// absolute payload range [start, start+length). dataOff is
// the offset of the region within the range.
func (s *Store) eachFileRegion(start int64, length int, fn func(fileIdx int, fileOff, dataOff int64, n int) error) error {
	end := start + int64(length)

	for i, file := range s.torrent.Files() {
		fileStart := int64(file.Offset)
		fileEnd := fileStart + int64(file.Length)

		if fileEnd <= start || fileStart >= end {
			continue
		}

		regionStart := max64(start, fileStart)
		regionEnd := min64(end, fileEnd)

		err := fn(i, regionStart-fileStart, regionStart-start, int(regionEnd-regionStart))
		if err != nil {
			return err
		}
	}

	return nil
}

// file lazily opens the i-th payload file, creating it
// pre-sized so pieces can land in any order
func (s *Store) file(i int) (*os.File, error) {
	if s.files[i] != nil {
		return s.files[i], nil
	}

	entry := s.torrent.Files()[i]
	path := filepath.Join(s.baseDir, s.torrent.Name(), entry.FullPath)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(entry.Length)); err != nil {
		f.Close()
		return nil, err
	}

	s.files[i] = f

	return f, nil
}

// DiscardPending drops all partially-received piece buffers
// and reverts their pieces to Missing. Verified pieces are
// untouched.
func (s *Store) DiscardPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for index := range s.buffers {
		delete(s.buffers, index)
		if s.states[index] != StateHave {
			s.states[index] = StateMissing
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	var errs errors.Errors
	for i, f := range s.files {
		if f == nil {
			continue
		}

		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		s.files[i] = nil
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

func (s *Store) validIndex(index int) bool {
	return index >= 0 && index < len(s.states)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
