package session

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/namvu9/bencode"

	"streambit/internal/torrent"
	"streambit/pkg/bits"
	"streambit/pkg/btor"
	"streambit/pkg/btor/peer"
	"streambit/pkg/btor/tracker"
)

func newTestMeta(t *testing.T, name, announce string, pieceLen, nPieces int) (*btor.Torrent, [][]byte) {
	t.Helper()

	total := pieceLen * nPieces
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i*5 + 1)
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

	if announce != "" {
		tier := bencode.List{bencode.Bytes(announce)}
		dict.SetStringKey("announce-list", bencode.List{tier})
	}

	meta, err := btor.FromDict(&dict)
	if err != nil {
		t.Fatal(err)
	}

	return meta, chunks
}

func serveSeeder(t *testing.T, infoHash [20]byte, chunks [][]byte) *net.TCPAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}

			go func(conn net.Conn) {
				defer conn.Close()

				var hs peer.HandshakeMessage
				if err := peer.UnmarshalHandshake(conn, &hs); err != nil {
					return
				}

				reply := peer.HandshakeMessage{PStr: "BitTorrent protocol", InfoHash: infoHash}
				conn.Write(reply.Bytes())
				conn.Write(peer.BitFieldMessage{BitField: bits.Ones(len(chunks)).Bytes()}.Bytes())

				for {
					msg, err := peer.UnmarshalMessage(conn)
					if err != nil {
						return
					}

					switch v := msg.(type) {
					case peer.InterestedMessage:
						conn.Write(peer.UnchokeMessage{}.Bytes())
					case peer.RequestMessage:
						data := chunks[v.Index][v.Offset : v.Offset+v.Length]
						conn.Write(peer.PieceMessage{Index: v.Index, Offset: v.Offset, Data: data}.Bytes())
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().(*net.TCPAddr)
}

func newRunningSession(t *testing.T, cfg Config) *Session {
	t.Helper()

	cfg.BaseDir = t.TempDir()
	cfg.DisableUPnP = true
	cfg.DisableDHT = true
	if len(cfg.Ports) == 0 {
		cfg.Ports = []uint16{0}
	}

	s := New(cfg)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)

	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := New(Config{BaseDir: t.TempDir(), DisableUPnP: true, DisableDHT: true, Ports: []uint16{0}})

	if got := s.State(); got != StateCreating {
		t.Fatalf("state: want creating got %s", got)
	}

	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if got := s.State(); got != StateRunning {
		t.Fatalf("state: want running got %s", got)
	}

	if s.Port() == 0 {
		t.Error("session did not report its listen port")
	}

	// A second Init must be rejected
	if err := s.Init(context.Background()); err == nil {
		t.Error("want error on double init")
	}

	meta, _ := newTestMeta(t, "lifecycle.bin", "", 16*1024, 2)

	tt, err := s.Add(meta)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Add(meta); err == nil {
		t.Error("want error on duplicate add")
	}

	if got, ok := s.Get(meta.InfoHash()); !ok || got != tt {
		t.Error("Get did not return the added torrent")
	}

	if got, ok := s.Resolve(meta.HexHash()); !ok || got != tt {
		t.Error("Resolve did not return the added torrent")
	}

	if got := len(s.Torrents()); got != 1 {
		t.Fatalf("torrents: want 1 got %d", got)
	}

	if err := s.Remove(meta.InfoHash()); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(meta.InfoHash()); err == nil {
		t.Error("want error removing unknown torrent")
	}

	if got := len(s.Torrents()); got != 0 {
		t.Fatalf("torrents after remove: want 0 got %d", got)
	}
}

func TestAddRejectsMalformed(t *testing.T) {
	s := newRunningSession(t, Config{})

	if _, err := s.AddBytes([]byte("not a torrent")); err == nil {
		t.Error("want error for malformed torrent bytes")
	}

	if _, err := s.AddMagnet("https://not-a-magnet.example"); err == nil {
		t.Error("want error for malformed magnet uri")
	}
}

func TestDownloadViaTracker(t *testing.T) {
	const pieceLen, nPieces = 16 * 1024, 3

	var infoHash [20]byte
	var seedAddr *net.TCPAddr

	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("info_hash"); got != string(infoHash[:]) {
			t.Errorf("announce for unexpected info hash %x", got)
		}

		body, err := tracker.MarshalHTTPResponse(&tracker.Response{
			Interval: 1800,
			NSeeders: 1,
			Peers:    []tracker.PeerInfo{{IP: seedAddr.IP, Port: uint16(seedAddr.Port)}},
		})
		if err != nil {
			t.Error(err)
		}

		w.Write(body)
	}))
	defer trackerSrv.Close()

	meta, chunks := newTestMeta(t, "session.bin", trackerSrv.URL, pieceLen, nPieces)
	infoHash = meta.InfoHash()
	seedAddr = serveSeeder(t, infoHash, chunks)

	s := newRunningSession(t, Config{})

	tt, err := s.Add(meta)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(15 * time.Second)
	for tt.State() != torrent.StateCompleted {
		select {
		case <-deadline:
			t.Fatalf("download did not complete; state %s", tt.State())
		case <-time.After(50 * time.Millisecond):
		}
	}

	if got := tt.Status().Progress; got != 1.0 {
		t.Errorf("progress: want 1.0 got %f", got)
	}
}

func TestIncomingHandshakeRouting(t *testing.T) {
	meta, _ := newTestMeta(t, "incoming.bin", "", 16*1024, 2)

	s := newRunningSession(t, Config{})

	if _, err := s.Add(meta); err != nil {
		t.Fatal(err)
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hs := peer.HandshakeMessage{PStr: "BitTorrent protocol", InfoHash: meta.InfoHash()}
	copy(hs.PeerID[:], "-XX0001-incomingtest")

	if _, err := conn.Write(hs.Bytes()); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var reply peer.HandshakeMessage
	if err := peer.UnmarshalHandshake(conn, &reply); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(reply.InfoHash[:], hs.InfoHash[:]) {
		t.Errorf("reply info hash: got %x", reply.InfoHash)
	}

	if got := string(reply.PeerID[:8]); got != "-SB0001-" {
		t.Errorf("peer id prefix: got %q", got)
	}
}

func TestIncomingUnknownHashIsDropped(t *testing.T) {
	s := newRunningSession(t, Config{})

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.Port()), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	var hs peer.HandshakeMessage
	hs.PStr = "BitTorrent protocol"
	hs.InfoHash[0] = 0xff

	if _, err := conn.Write(hs.Bytes()); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("want closed connection for unknown info hash")
	}
}

func TestConnBudget(t *testing.T) {
	s := New(Config{MaxConnections: 1})

	release, ok := s.acquireConn(context.Background())
	if !ok {
		t.Fatal("first slot should be granted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, ok := s.acquireConn(ctx); ok {
		t.Fatal("second slot should be denied while the first is held")
	}

	release()
	release() // releasing twice must not free two slots

	release2, ok := s.acquireConn(context.Background())
	if !ok {
		t.Fatal("slot should be granted after release")
	}
	release2()
}

func TestGate(t *testing.T) {
	s := New(Config{DownloadRate: 1 << 20})

	if s.gate(nil) != nil {
		t.Fatal("nil limiter must mean no gate")
	}

	gate := s.gate(s.down)

	// Twice the burst must still be admitted, in installments
	start := time.Now()
	gate(1 << 21)

	if time.Since(start) > 5*time.Second {
		t.Fatal("gate stalled far beyond the configured rate")
	}
}
