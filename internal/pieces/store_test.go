package pieces_test

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/namvu9/bencode"

	"streambit/internal/errors"
	"streambit/internal/pieces"
	"streambit/pkg/btor"
)

// newTestTorrent builds a torrent whose piece hashes match
// deterministically generated payload content, returning the
// torrent and the per-piece payload bytes
func newTestTorrent(t *testing.T, name string, pieceLen int, fileLens []int) (*btor.Torrent, [][]byte) {
	t.Helper()

	var total int
	for _, l := range fileLens {
		total += l
	}

	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i*7 + 13)
	}

	var chunks [][]byte
	var hashes []byte
	for off := 0; off < total; off += pieceLen {
		end := off + pieceLen
		if end > total {
			end = total
		}

		chunk := payload[off:end]
		sum := sha1.Sum(chunk)

		chunks = append(chunks, chunk)
		hashes = append(hashes, sum[:]...)
	}

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes(name))
	info.SetStringKey("piece length", bencode.Integer(pieceLen))
	info.SetStringKey("pieces", bencode.Bytes(hashes))

	if len(fileLens) == 1 {
		info.SetStringKey("length", bencode.Integer(fileLens[0]))
	} else {
		var files bencode.List
		for i, l := range fileLens {
			var fd bencode.Dictionary
			fd.SetStringKey("length", bencode.Integer(l))
			fd.SetStringKey("path", bencode.List{bencode.Bytes(string(rune('a'+i)) + ".bin")})
			files = append(files, &fd)
		}
		info.SetStringKey("files", files)
	}

	var dict bencode.Dictionary
	dict.SetStringKey("info", &info)

	tor, err := btor.FromDict(&dict)
	if err != nil {
		t.Fatal(err)
	}

	return tor, chunks
}

// submitPiece feeds one piece's payload block by block and
// returns the outcome of the final block
func submitPiece(t *testing.T, store *pieces.Store, index int, data []byte) pieces.Outcome {
	t.Helper()

	var outcome pieces.Outcome
	for off := 0; off < len(data); off += pieces.BlockSize {
		end := off + pieces.BlockSize
		if end > len(data) {
			end = len(data)
		}

		var err error
		outcome, err = store.SubmitBlock(index, uint32(off), data[off:end])
		if err != nil {
			t.Fatal(err)
		}
	}

	return outcome
}

func TestReverseOrderCompletion(t *testing.T) {
	tor, chunks := newTestTorrent(t, "reverse", 16*1024, []int{10 * 16 * 1024})
	store := pieces.New(tor, t.TempDir())
	defer store.Close()

	for i := len(chunks) - 1; i >= 0; i-- {
		if got := submitPiece(t, store, i, chunks[i]); got != pieces.OutcomeVerified {
			t.Fatalf("piece %d: want verified got %s", i, got)
		}
	}

	if !store.Complete() {
		t.Error("store should be complete")
	}

	if got, want := store.BytesCompleted(), int64(tor.Length()); got != want {
		t.Errorf("bytes completed: want %d got %d", want, got)
	}

	// Round-trip: read a range spanning several pieces back
	got, err := store.ReadRange(16*1024-100, 200)
	if err != nil {
		t.Fatal(err)
	}

	want := append(append([]byte{}, chunks[0][len(chunks[0])-100:]...), chunks[1][:100]...)
	if !bytes.Equal(got, want) {
		t.Error("read range does not match submitted content")
	}
}

func TestHashMismatchRequeues(t *testing.T) {
	tor, chunks := newTestTorrent(t, "mismatch", 1024, []int{4 * 1024})
	store := pieces.New(tor, t.TempDir())
	defer store.Close()

	corrupted := append([]byte{}, chunks[3]...)
	corrupted[0] ^= 0xff

	if got := submitPiece(t, store, 3, corrupted); got != pieces.OutcomeHashMismatch {
		t.Fatalf("want hash mismatch got %s", got)
	}

	if store.Has(3) {
		t.Error("corrupt piece must not be marked have")
	}

	if got := store.State(3); got != pieces.StateMissing {
		t.Errorf("state: want missing got %s", got)
	}

	// The piece is selectable again and accepts correct bytes
	if got := submitPiece(t, store, 3, chunks[3]); got != pieces.OutcomeVerified {
		t.Fatalf("resubmit: want verified got %s", got)
	}
}

func TestSubmitAfterHaveIsNoop(t *testing.T) {
	tor, chunks := newTestTorrent(t, "idempotent", 1024, []int{2 * 1024})
	store := pieces.New(tor, t.TempDir())
	defer store.Close()

	if got := submitPiece(t, store, 0, chunks[0]); got != pieces.OutcomeVerified {
		t.Fatalf("want verified got %s", got)
	}

	outcome, err := store.SubmitBlock(0, 0, chunks[0])
	if err != nil {
		t.Fatal(err)
	}

	if outcome != pieces.OutcomeIgnored {
		t.Errorf("resubmit of verified piece: want ignored got %s", outcome)
	}
}

func TestPieceStraddlesFiles(t *testing.T) {
	dir := t.TempDir()

	// Piece 1 spans the boundary between the two files
	tor, chunks := newTestTorrent(t, "straddle", 1024, []int{1500, 1572})
	store := pieces.New(tor, dir)
	defer store.Close()

	for i, chunk := range chunks {
		if got := submitPiece(t, store, i, chunk); got != pieces.OutcomeVerified {
			t.Fatalf("piece %d: want verified got %s", i, got)
		}
	}

	var payload []byte
	for _, chunk := range chunks {
		payload = append(payload, chunk...)
	}

	a, err := os.ReadFile(filepath.Join(dir, tor.Name(), "a.bin"))
	if err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(filepath.Join(dir, tor.Name(), "b.bin"))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a, payload[:1500]) {
		t.Error("first file content mismatch")
	}

	if !bytes.Equal(b, payload[1500:]) {
		t.Error("second file content mismatch")
	}
}

func TestReadRangeNotAvailable(t *testing.T) {
	tor, chunks := newTestTorrent(t, "unavailable", 1024, []int{3 * 1024})
	store := pieces.New(tor, t.TempDir())
	defer store.Close()

	submitPiece(t, store, 0, chunks[0])

	if _, err := store.ReadRange(0, 1024); err != nil {
		t.Errorf("verified range: %v", err)
	}

	if _, err := store.ReadRange(512, 1024); !errors.Is(err, pieces.ErrNotAvailable) {
		t.Errorf("want ErrNotAvailable got %v", err)
	}
}

func TestRequestedRevertsToMissing(t *testing.T) {
	tor, _ := newTestTorrent(t, "requested", 1024, []int{2 * 1024})
	store := pieces.New(tor, t.TempDir())
	defer store.Close()

	store.MarkRequested(1)
	if got := store.State(1); got != pieces.StateRequested {
		t.Fatalf("state: want requested got %s", got)
	}

	store.Release(1)
	if got := store.State(1); got != pieces.StateMissing {
		t.Errorf("state: want missing got %s", got)
	}
}

func TestResumeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "resume.dat")

	tor, chunks := newTestTorrent(t, "resume", 1024, []int{4 * 1024})

	store := pieces.New(tor, dir)
	submitPiece(t, store, 0, chunks[0])
	submitPiece(t, store, 2, chunks[2])

	if err := store.SaveResume(blob); err != nil {
		t.Fatal(err)
	}
	store.Close()

	restored := pieces.New(tor, dir)
	defer restored.Close()

	if err := restored.LoadResume(blob); err != nil {
		t.Fatal(err)
	}

	for i, want := range []bool{true, false, true, false} {
		if got := restored.Has(i); got != want {
			t.Errorf("piece %d: want %v got %v", i, want, got)
		}
	}

	// A blob saved for a different torrent is rejected
	other, _ := newTestTorrent(t, "other", 1024, []int{5 * 1024})
	otherStore := pieces.New(other, dir)
	defer otherStore.Close()

	if err := otherStore.LoadResume(blob); err == nil {
		t.Error("want error loading foreign resume blob")
	}
}

func TestDiscardPending(t *testing.T) {
	tor, chunks := newTestTorrent(t, "discard", 1024, []int{2 * 1024})
	store := pieces.New(tor, t.TempDir())
	defer store.Close()

	store.MarkRequested(0)
	if _, err := store.SubmitBlock(0, 0, chunks[0][:512]); err != nil {
		t.Fatal(err)
	}

	store.DiscardPending()

	if got := store.State(0); got != pieces.StateMissing {
		t.Errorf("state: want missing got %s", got)
	}

	// The full piece still verifies after the partial buffer
	// was dropped
	if got := submitPiece(t, store, 0, chunks[0]); got != pieces.OutcomeVerified {
		t.Errorf("want verified got %s", got)
	}
}
