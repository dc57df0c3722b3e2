package discovery_test

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/namvu9/bencode"

	"streambit/internal/discovery"
	"streambit/internal/errors"
	"streambit/pkg/btor"
	"streambit/pkg/btor/tracker"
)

func testTorrent(t *testing.T) *btor.Torrent {
	t.Helper()

	hash := make([]byte, 20)
	hash[0] = 1

	var d bencode.Dictionary
	d.SetStringKey("info-hash", bencode.Bytes(hash))

	tor, err := btor.FromDict(&d)
	if err != nil {
		t.Fatal(err)
	}

	return tor
}

// failingAnnouncer simulates a tracker group whose every
// announce times out
type failingAnnouncer struct {
	calls int
}

func (f *failingAnnouncer) Len() int { return 1 }

func (f *failingAnnouncer) AnnounceS(ctx context.Context, req tracker.Request) chan tracker.Stat {
	f.calls++

	out := make(chan tracker.Stat, 1)
	u, _ := url.Parse("udp://dead.test:1337/announce")
	out <- tracker.Stat{Url: u, Err: errors.New("announce timed out")}
	close(out)

	return out
}

type staticAnnouncer struct {
	peers []net.Addr
}

func (s *staticAnnouncer) Len() int { return 1 }

func (s *staticAnnouncer) AnnounceS(ctx context.Context, req tracker.Request) chan tracker.Stat {
	out := make(chan tracker.Stat, 1)
	u, _ := url.Parse("udp://tracker.test:1337/announce")
	out <- tracker.Stat{Url: u, Peers: s.peers}
	close(out)

	return out
}

type staticDHT struct {
	peers []*net.TCPAddr
}

func (d *staticDHT) GetPeers(ctx context.Context, infoHash [20]byte, bootstrap []string) <-chan *net.TCPAddr {
	out := make(chan *net.TCPAddr, len(d.peers))
	for _, p := range d.peers {
		out <- p
	}
	close(out)

	return out
}

func collect(t *testing.T, ch <-chan *net.TCPAddr, want int) []string {
	t.Helper()

	var got []string
	timeout := time.After(2 * time.Second)

	for len(got) < want {
		select {
		case addr, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, addr.String())
		case <-timeout:
			t.Fatalf("timed out after %d of %d addresses", len(got), want)
		}
	}

	return got
}

// Tracker failures must not block DHT-sourced peers
func TestTrackerFailureDoesNotStarveDHT(t *testing.T) {
	trackers := &failingAnnouncer{}
	node := &staticDHT{peers: []*net.TCPAddr{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6881},
	}}

	svc := discovery.New(testTorrent(t), trackers, node, nil, discovery.Config{
		AnnounceInterval: 10 * time.Millisecond,
	})
	defer svc.Stop()

	ch := svc.Start(context.Background())

	got := collect(t, ch, 2)
	if len(got) != 2 {
		t.Fatalf("want 2 dht peers got %v", got)
	}

	// Let a few failed announce rounds pass; the stream must
	// survive them
	time.Sleep(50 * time.Millisecond)
	if trackers.calls < 2 {
		t.Errorf("announcer should have been retried, got %d calls", trackers.calls)
	}
}

func TestDeduplicatesAcrossSources(t *testing.T) {
	shared := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 6881}

	trackers := &staticAnnouncer{peers: []net.Addr{shared}}
	node := &staticDHT{peers: []*net.TCPAddr{shared}}

	svc := discovery.New(testTorrent(t), trackers, node, nil, discovery.Config{})
	defer svc.Stop()

	ch := svc.Start(context.Background())

	// Feed the same address a third time via PEX
	svc.AddPEX([]*net.TCPAddr{shared, {IP: net.IPv4(10, 0, 0, 10), Port: 1}})

	got := collect(t, ch, 2)

	seen := make(map[string]int)
	for _, addr := range got {
		seen[addr]++
	}

	if seen["10.0.0.9:6881"] != 1 {
		t.Errorf("shared address yielded %d times", seen["10.0.0.9:6881"])
	}

	if seen["10.0.0.10:1"] != 1 {
		t.Errorf("pex-only address missing: %v", got)
	}
}

func TestStopClosesStream(t *testing.T) {
	svc := discovery.New(testTorrent(t), &failingAnnouncer{}, nil, nil, discovery.Config{})

	ch := svc.Start(context.Background())
	svc.Stop()

	select {
	case _, ok := <-ch:
		if ok {
			// Drain any address emitted before the stop
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after Stop")
	}

	// Restartable: a new Start yields a fresh stream
	node := &staticDHT{peers: []*net.TCPAddr{{IP: net.IPv4(10, 0, 0, 1), Port: 6881}}}
	svc2 := discovery.New(testTorrent(t), &failingAnnouncer{}, node, nil, discovery.Config{})
	defer svc2.Stop()

	ch2 := svc2.Start(context.Background())
	if got := collect(t, ch2, 1); len(got) != 1 {
		t.Fatalf("restarted stream yielded %v", got)
	}
}
