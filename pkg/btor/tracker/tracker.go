package tracker

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// UDP tracker actions
const (
	CONNECT  uint32 = 0
	ANNOUNCE uint32 = 1
	SCRAPE   uint32 = 2
	ERROR    uint32 = 3
)

// Announce events
const (
	EventNone      uint32 = 0
	EventCompleted uint32 = 1
	EventStarted   uint32 = 2
	EventStopped   uint32 = 3
)

// Tracker announces a torrent to a single tracker endpoint.
// Implementations keep their own announce interval and
// failure backoff; callers poll ShouldAnnounce before each
// round.
type Tracker interface {
	Announce(context.Context, Request) (*Response, error)
	ShouldAnnounce() bool
	Err() error
	Stat() Stat
}

type Request struct {
	Hash   [20]byte
	PeerID [20]byte

	Downloaded uint64
	Left       uint64
	Uploaded   uint64
	Event      uint32
	IP         uint32
	Key        uint32
	Want       int32
	Port       uint16
}

func NewRequest(hash [20]byte, port uint16, peerID [20]byte) Request {
	return Request{
		Want:   -1,
		PeerID: peerID,
		Hash:   hash,
		Port:   port,
	}
}

type Response struct {
	Action    uint32
	TxID      uint32
	Interval  uint32
	NLeechers uint32
	NSeeders  uint32
	Peers     []PeerInfo
}

type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: p.IP, Port: int(p.Port)}
}

// Stat is a point-in-time snapshot of a tracker's health
type Stat struct {
	Url          *url.URL
	Peers        []net.Addr
	Seeders      int
	Leechers     int
	NextAnnounce time.Time
	Err          error
}

// Group fans announces out to every tracker in a torrent's
// announce list. Tier order is preserved for reporting but
// every responsive tracker is announced to; peers are cheap
// and the swarm view benefits from the union.
type Group struct {
	trackers []Tracker
}

// NewGroup builds a group from announce-list tiers. URLs
// that fail to parse or use a scheme we cannot speak are
// dropped.
func NewGroup(tiers [][]string) *Group {
	var trackers []Tracker

	seen := make(map[string]bool)
	for _, tier := range tiers {
		for _, addr := range tier {
			if seen[addr] {
				continue
			}
			seen[addr] = true

			u, err := url.Parse(addr)
			if err != nil {
				continue
			}

			switch u.Scheme {
			case "udp":
				trackers = append(trackers, NewUDPTracker(u))
			case "http", "https":
				trackers = append(trackers, NewHTTPTracker(u))
			}
		}
	}

	return &Group{trackers: trackers}
}

func (g *Group) Len() int {
	return len(g.trackers)
}

func (g *Group) Stat() []Stat {
	var out []Stat
	for _, tr := range g.trackers {
		out = append(out, tr.Stat())
	}

	return out
}

// AnnounceS announces to every tracker that is due and
// streams each tracker's stat as it responds. The channel
// closes once every tracker has been tried.
func (g *Group) AnnounceS(ctx context.Context, req Request) chan Stat {
	out := make(chan Stat, len(g.trackers))

	go func() {
		var wg sync.WaitGroup

		for _, tr := range g.trackers {
			wg.Add(1)
			go func(tr Tracker) {
				defer wg.Done()

				if !tr.ShouldAnnounce() {
					return
				}

				if _, err := tr.Announce(ctx, req); err != nil {
					log.Debug().Err(err).Msg("announce failed")
					return
				}

				out <- tr.Stat()
			}(tr)
		}

		wg.Wait()
		close(out)
	}()

	return out
}

// Announce announces to every tracker that is due and
// returns the deduplicated union of discovered peers, keyed
// by address
func (g *Group) Announce(ctx context.Context, req Request) map[string]PeerInfo {
	out := make(map[string]PeerInfo)

	for stat := range g.AnnounceS(ctx, req) {
		for _, addr := range stat.Peers {
			tcp, ok := addr.(*net.TCPAddr)
			if !ok {
				continue
			}

			out[addr.String()] = PeerInfo{IP: tcp.IP, Port: uint16(tcp.Port)}
		}
	}

	return out
}
