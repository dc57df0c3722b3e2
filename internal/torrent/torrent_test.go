package torrent_test

import (
	"context"
	"crypto/sha1"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/namvu9/bencode"

	"streambit/internal/discovery"
	"streambit/internal/torrent"
	"streambit/pkg/bits"
	"streambit/pkg/btor"
	"streambit/pkg/btor/peer"
	"streambit/pkg/btor/tracker"
)

func newTestTorrent(t *testing.T, name string, pieceLen, nPieces int) (*btor.Torrent, [][]byte) {
	t.Helper()

	total := pieceLen * nPieces
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i*3 + 7)
	}

	var chunks [][]byte
	var hashes []byte
	for off := 0; off < total; off += pieceLen {
		chunk := payload[off : off+pieceLen]
		sum := sha1.Sum(chunk)

		chunks = append(chunks, chunk)
		hashes = append(hashes, sum[:]...)
	}

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes(name))
	info.SetStringKey("piece length", bencode.Integer(pieceLen))
	info.SetStringKey("pieces", bencode.Bytes(hashes))
	info.SetStringKey("length", bencode.Integer(total))

	var dict bencode.Dictionary
	dict.SetStringKey("info", &info)

	tor, err := btor.FromDict(&dict)
	if err != nil {
		t.Fatal(err)
	}

	return tor, chunks
}

// seeder is a minimal in-process peer that owns the full
// payload and serves block requests
type seeder struct {
	t        *testing.T
	ln       net.Listener
	infoHash [20]byte
	chunks   [][]byte
}

func newSeeder(t *testing.T, tor *btor.Torrent, chunks [][]byte) *seeder {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &seeder{t: t, ln: ln, infoHash: tor.InfoHash(), chunks: chunks}
	go s.acceptLoop()

	return s
}

func (s *seeder) addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

func (s *seeder) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		go s.serve(conn)
	}
}

func (s *seeder) serve(conn net.Conn) {
	defer conn.Close()

	var hs peer.HandshakeMessage
	if err := peer.UnmarshalHandshake(conn, &hs); err != nil {
		return
	}

	reply := peer.HandshakeMessage{
		PStr:     "BitTorrent protocol",
		InfoHash: s.infoHash,
	}
	copy(reply.PeerID[:], "seeder-seeder-seeder")

	if _, err := conn.Write(reply.Bytes()); err != nil {
		return
	}

	field := bits.Ones(len(s.chunks))
	if _, err := conn.Write(peer.BitFieldMessage{BitField: field.Bytes()}.Bytes()); err != nil {
		return
	}

	for {
		msg, err := peer.UnmarshalMessage(conn)
		if err != nil {
			return
		}

		switch v := msg.(type) {
		case peer.InterestedMessage:
			if _, err := conn.Write(peer.UnchokeMessage{}.Bytes()); err != nil {
				return
			}
		case peer.RequestMessage:
			chunk := s.chunks[v.Index]
			data := chunk[v.Offset : v.Offset+v.Length]

			out := peer.PieceMessage{Index: v.Index, Offset: v.Offset, Data: data}
			if _, err := conn.Write(out.Bytes()); err != nil {
				return
			}
		}
	}
}

type staticAnnouncer struct {
	peers []net.Addr
}

func (s *staticAnnouncer) Len() int { return 1 }

func (s *staticAnnouncer) AnnounceS(ctx context.Context, req tracker.Request) chan tracker.Stat {
	out := make(chan tracker.Stat, 1)
	out <- tracker.Stat{Peers: s.peers}
	close(out)

	return out
}

func newTorrentWith(t *testing.T, tor *btor.Torrent, peers []net.Addr) *torrent.Torrent {
	t.Helper()

	disc := discovery.New(tor, &staticAnnouncer{peers: peers}, nil, nil, discovery.Config{
		AnnounceInterval: 100 * time.Millisecond,
	})

	var peerID [20]byte
	copy(peerID[:], "-SB0001-abcdefghijkl")

	return torrent.New(tor, disc, torrent.Config{
		BaseDir:        t.TempDir(),
		PeerID:         peerID,
		RequestTimeout: 2 * time.Second,
	})
}

func awaitState(t *testing.T, events <-chan torrent.Event, want torrent.State, timeout time.Duration) {
	t.Helper()

	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed before reaching %s", want)
			}

			if sc, isState := ev.(torrent.StateChange); isState && sc.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func TestDownloadCompletes(t *testing.T) {
	tor, chunks := newTestTorrent(t, "complete.bin", 32*1024, 4)
	seed := newSeeder(t, tor, chunks)

	tt := newTorrentWith(t, tor, []net.Addr{seed.addr()})
	defer tt.Stop()

	id, events := tt.Subscribe()
	defer tt.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tt.Start(ctx); err != nil {
		t.Fatal(err)
	}

	awaitState(t, events, torrent.StateCompleted, 15*time.Second)

	status := tt.Status()
	if status.Progress != 1.0 {
		t.Errorf("progress: want 1.0 got %f", status.Progress)
	}

	// Round-trip: every piece reads back byte-identical
	for i, chunk := range chunks {
		got, err := tt.ReadRange(int64(i)*int64(len(chunk)), len(chunk))
		if err != nil {
			t.Fatalf("piece %d: %v", i, err)
		}

		for j := range chunk {
			if got[j] != chunk[j] {
				t.Fatalf("piece %d differs at byte %d", i, j)
			}
		}
	}
}

func TestPauseResume(t *testing.T) {
	tor, _ := newTestTorrent(t, "pausable.bin", 16*1024, 4)

	tt := newTorrentWith(t, tor, nil)
	defer tt.Stop()

	id, events := tt.Subscribe()
	defer tt.Unsubscribe(id)

	if err := tt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	awaitState(t, events, torrent.StateDownloading, 5*time.Second)

	tt.Pause()
	awaitState(t, events, torrent.StatePaused, 2*time.Second)

	if got := tt.State(); got != torrent.StatePaused {
		t.Fatalf("state: want paused got %s", got)
	}

	tt.Resume()
	awaitState(t, events, torrent.StateDownloading, 2*time.Second)
}

func TestStartRejectsMalformedMetadata(t *testing.T) {
	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes("bad"))
	info.SetStringKey("piece length", bencode.Integer(1000)) // not a power of two
	info.SetStringKey("pieces", bencode.Bytes(make([]byte, 20)))
	info.SetStringKey("length", bencode.Integer(1000))

	var dict bencode.Dictionary
	dict.SetStringKey("info", &info)

	tor, err := btor.FromDict(&dict)
	if err != nil {
		// FromDict may reject outright; either failure mode is
		// acceptable
		return
	}

	tt := newTorrentWith(t, tor, nil)

	if err := tt.Start(context.Background()); err == nil {
		t.Fatal("want error starting malformed torrent")
	}

	if got := tt.State(); got != torrent.StateError {
		t.Errorf("state: want error got %s", got)
	}
}

func TestPieceCompletedEvents(t *testing.T) {
	tor, chunks := newTestTorrent(t, "events.bin", 16*1024, 3)
	seed := newSeeder(t, tor, chunks)

	tt := newTorrentWith(t, tor, []net.Addr{seed.addr()})
	defer tt.Stop()

	id, events := tt.Subscribe()
	defer tt.Unsubscribe(id)

	if err := tt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	finished := make(map[int]bool)
	deadline := time.After(15 * time.Second)

	for len(finished) < 3 {
		select {
		case ev := <-events:
			if pc, ok := ev.(torrent.PieceCompleted); ok {
				finished[pc.Index] = true
			}
		case <-deadline:
			t.Fatalf("timed out with %d of 3 pieces", len(finished))
		}
	}
}

func newMultiFileTorrent(t *testing.T, pieceLen int, fileLens []int) *btor.Torrent {
	t.Helper()

	var total int
	for _, l := range fileLens {
		total += l
	}

	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i*3 + 7)
	}

	var hashes []byte
	for off := 0; off < total; off += pieceLen {
		end := off + pieceLen
		if end > total {
			end = total
		}

		sum := sha1.Sum(payload[off:end])
		hashes = append(hashes, sum[:]...)
	}

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes("multi"))
	info.SetStringKey("piece length", bencode.Integer(pieceLen))
	info.SetStringKey("pieces", bencode.Bytes(hashes))

	var files bencode.List
	for i, l := range fileLens {
		var fd bencode.Dictionary
		fd.SetStringKey("length", bencode.Integer(l))
		fd.SetStringKey("path", bencode.List{bencode.Bytes(string(rune('a'+i)) + ".bin")})
		files = append(files, &fd)
	}
	info.SetStringKey("files", files)

	var dict bencode.Dictionary
	dict.SetStringKey("info", &info)

	tor, err := btor.FromDict(&dict)
	if err != nil {
		t.Fatal(err)
	}

	return tor
}

// Addresses discovered after the first candidate batch must
// still be dialed for metadata before the deadline expires.
func TestMetadataFetchTriesLateAddresses(t *testing.T) {
	tor, err := btor.LoadMagnet("magnet:?xt=urn:btih:" + strings.Repeat("ab", 20) + "&dn=late.bin")
	if err != nil {
		t.Fatal(err)
	}

	// Records contact attempts without speaking the protocol
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	contacted := make(chan struct{}, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			select {
			case contacted <- struct{}{}:
			default:
			}
			conn.Close()
		}
	}()

	dead := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}

	disc := discovery.New(tor, &staticAnnouncer{peers: []net.Addr{dead}}, nil, nil, discovery.Config{
		AnnounceInterval: time.Hour,
	})

	var peerID [20]byte
	copy(peerID[:], "-SB0001-abcdefghijkl")

	tt := torrent.New(tor, disc, torrent.Config{
		BaseDir:     t.TempDir(),
		PeerID:      peerID,
		MetaTimeout: 8 * time.Second,
		DialTimeout: time.Second,
	})
	defer tt.Stop()

	if err := tt.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Let the first fetch round start with only the dead
	// address, then surface a fresh one via peer exchange
	time.Sleep(1500 * time.Millisecond)
	disc.AddPEX([]*net.TCPAddr{ln.Addr().(*net.TCPAddr)})

	select {
	case <-contacted:
	case <-time.After(10 * time.Second):
		t.Fatal("address discovered after the first batch was never dialed")
	}
}

func TestSelectFiles(t *testing.T) {
	const pieceLen = 16 * 1024

	// Two files of two pieces each
	tor := newMultiFileTorrent(t, pieceLen, []int{2 * pieceLen, 2 * pieceLen})
	tt := newTorrentWith(t, tor, nil)

	if err := tt.SelectFiles(1); err != nil {
		t.Fatal(err)
	}

	st := tt.Status()
	if st.Wanted != btor.Size(2*pieceLen) {
		t.Errorf("wanted bytes: want %d got %d", 2*pieceLen, st.Wanted)
	}

	if err := tt.SelectFiles(5); err == nil {
		t.Error("want error for file index out of range")
	}
}
