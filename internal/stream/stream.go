package stream

import (
	"context"
	"sync"

	"streambit/internal/errors"
	"streambit/internal/torrent"
	"streambit/pkg/btor"
)

// ErrWouldBlock is returned by Read when the requested range
// is not yet downloaded. Callers retry after the next piece
// completion rather than blocking.
var ErrWouldBlock = errors.New("data not yet available")

// Stream adapts one file of a torrent to sequential byte
// reads for progressive playback. Opening a stream drives
// the torrent's piece selection into sequential mode; the
// mode reverts once every stream has stopped.
type Stream struct {
	t    *torrent.Torrent
	file btor.File

	release func()
	subID   int
	events  <-chan torrent.Event

	mu      sync.Mutex
	stopped bool
}

// Open starts streaming the fileIdx-th file of the torrent,
// anchored at startByte within the file
func Open(t *torrent.Torrent, fileIdx int, startByte int64) (*Stream, error) {
	var op errors.Op = "stream.Open"

	files := t.Files()
	if fileIdx < 0 || fileIdx >= len(files) {
		return nil, errors.Wrap(errors.Newf("file index %d out of range", fileIdx), op, errors.BadArgument)
	}

	file := files[fileIdx]
	if startByte < 0 || startByte >= int64(file.Length) {
		return nil, errors.Wrap(errors.Newf("start offset %d outside file", startByte), op, errors.BadArgument)
	}

	s := &Stream{
		t:       t,
		file:    file,
		release: t.SequentialMode(int64(file.Offset) + startByte),
	}

	s.subID, s.events = t.Subscribe()

	return s, nil
}

// File returns the file entry the stream serves
func (s *Stream) File() btor.File {
	return s.file
}

// Size returns the streamed file's length in bytes
func (s *Stream) Size() int64 {
	return int64(s.file.Length)
}

// IsReady reports without blocking whether every piece
// covering the file range [offset, offset+length) has been
// verified
func (s *Stream) IsReady(offset int64, length int) bool {
	if length <= 0 {
		return true
	}

	abs := int64(s.file.Offset) + offset
	end := abs + int64(length)

	pieceLen := int64(s.t.PieceLength())
	for p := abs / pieceLen; p*pieceLen < end; p++ {
		if !s.t.Have(int(p)) {
			return false
		}
	}

	return true
}

// Read returns length bytes of the file starting at offset.
// Fails fast with ErrWouldBlock when the range is not yet
// available.
func (s *Stream) Read(offset int64, length int) ([]byte, error) {
	var op errors.Op = "stream.Stream.Read"

	if offset < 0 || offset >= int64(s.file.Length) {
		return nil, errors.Wrap(errors.Newf("offset %d outside file", offset), op, errors.BadArgument)
	}

	if max := int64(s.file.Length) - offset; int64(length) > max {
		length = int(max)
	}

	if !s.IsReady(offset, length) {
		return nil, ErrWouldBlock
	}

	return s.t.ReadRange(int64(s.file.Offset)+offset, length)
}

// WaitReady blocks until the range is available or ctx
// expires, waking on piece completions
func (s *Stream) WaitReady(ctx context.Context, offset int64, length int) error {
	var op errors.Op = "stream.Stream.WaitReady"

	for {
		if s.IsReady(offset, length) {
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), op)
		case ev, ok := <-s.events:
			if !ok {
				return errors.Wrap(errors.New("stream closed"), op)
			}

			if sc, isState := ev.(torrent.StateChange); isState && sc.To == torrent.StateError {
				return errors.Wrap(sc.Err, op)
			}
		}
	}
}

// Seek moves the sequential download anchor to the given
// offset within the file, e.g. when the player seeks
func (s *Stream) Seek(offset int64) {
	s.t.Seek(int64(s.file.Offset) + offset)
}

// Stop releases the stream's claim on sequential mode. The
// torrent reverts to rarest-first selection once no stream
// holds a claim.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	s.release()
	s.t.Unsubscribe(s.subID)
}
