package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"streambit/pkg/btor"
	"streambit/pkg/btor/tracker"
)

// Announcer is the tracker side of discovery, satisfied by
// tracker.Group
type Announcer interface {
	AnnounceS(context.Context, tracker.Request) chan tracker.Stat
	Len() int
}

// DHT is the trackerless side of discovery, satisfied by
// dht.Node
type DHT interface {
	GetPeers(ctx context.Context, infoHash [20]byte, bootstrap []string) <-chan *net.TCPAddr
}

type Config struct {
	PeerID [20]byte
	Port   uint16

	// How often the tracker group is polled. Individual
	// trackers still honor their own announce intervals and
	// backoff.
	AnnounceInterval time.Duration

	// How often a DHT lookup is restarted
	DHTRefresh time.Duration

	BootstrapNodes []string
}

func (cfg Config) withDefaults() Config {
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 30 * time.Second
	}

	if cfg.DHTRefresh <= 0 {
		cfg.DHTRefresh = 3 * time.Minute
	}

	return cfg
}

// Stats supplies transfer counters for tracker announces
type Stats func() (downloaded, left, uploaded uint64)

// Service aggregates peer addresses for one torrent from
// trackers, the DHT and peer exchange, deduplicates them and
// streams them to the swarm manager. The stream is
// restartable: Stop ends it and a later Start yields a fresh
// one.
type Service struct {
	cfg      Config
	torrent  *btor.Torrent
	trackers Announcer
	dht      DHT
	stats    Stats

	mu     sync.Mutex
	cancel context.CancelFunc
	pexCh  chan []*net.TCPAddr
}

func New(t *btor.Torrent, trackers Announcer, dhtNode DHT, stats Stats, cfg Config) *Service {
	if stats == nil {
		stats = func() (uint64, uint64, uint64) { return 0, uint64(t.Length()), 0 }
	}

	return &Service{
		cfg:      cfg.withDefaults(),
		torrent:  t,
		trackers: trackers,
		dht:      dhtNode,
		stats:    stats,
	}
}

// Start begins discovery and returns the address stream. The
// channel closes when Stop is called or ctx expires. Calling
// Start while a previous stream is live restarts discovery.
func (s *Service) Start(ctx context.Context) <-chan *net.TCPAddr {
	s.Stop()

	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.pexCh = make(chan []*net.TCPAddr, 16)
	pexCh := s.pexCh
	s.mu.Unlock()

	out := make(chan *net.TCPAddr, 64)

	go s.run(ctx, out, pexCh)

	return out
}

// Stop ends the current stream. Safe to call when discovery
// is not running.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// AddPEX feeds addresses gossiped by a connected peer into
// the stream. Dropped addresses are ignored; a stale address
// costs one failed dial, while dropping a live one costs a
// peer.
func (s *Service) AddPEX(added []*net.TCPAddr) {
	s.mu.Lock()
	ch := s.pexCh
	s.mu.Unlock()

	if ch == nil {
		return
	}

	select {
	case ch <- added:
	default:
	}
}

func (s *Service) run(ctx context.Context, out chan<- *net.TCPAddr, pexCh chan []*net.TCPAddr) {
	defer close(out)

	seen := make(map[string]bool)

	emit := func(addr *net.TCPAddr) bool {
		if addr == nil || seen[addr.String()] {
			return true
		}
		seen[addr.String()] = true

		select {
		case out <- addr:
			return true
		case <-ctx.Done():
			return false
		}
	}

	announce := time.NewTicker(s.cfg.AnnounceInterval)
	defer announce.Stop()

	dhtRefresh := time.NewTicker(s.cfg.DHTRefresh)
	defer dhtRefresh.Stop()

	// Kick both sources immediately; tickers only cover the
	// steady state
	s.announce(ctx, emit, tracker.EventStarted)

	dhtPeers := s.lookupDHT(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-announce.C:
			s.announce(ctx, emit, tracker.EventNone)
		case <-dhtRefresh.C:
			dhtPeers = s.lookupDHT(ctx)
		case addr, ok := <-dhtPeers:
			if !ok {
				dhtPeers = nil
				continue
			}
			if !emit(addr) {
				return
			}
		case added := <-pexCh:
			for _, addr := range added {
				if !emit(addr) {
					return
				}
			}
		}
	}
}

func (s *Service) announce(ctx context.Context, emit func(*net.TCPAddr) bool, event uint32) {
	if s.trackers == nil || s.trackers.Len() == 0 {
		return
	}

	downloaded, left, uploaded := s.stats()

	req := tracker.NewRequest(s.torrent.InfoHash(), s.cfg.Port, s.cfg.PeerID)
	req.Downloaded = downloaded
	req.Left = left
	req.Uploaded = uploaded
	req.Event = event

	for stat := range s.trackers.AnnounceS(ctx, req) {
		if stat.Err != nil {
			log.Debug().Err(stat.Err).Stringer("tracker", stat.Url).Msg("announce failed")
			continue
		}

		for _, addr := range stat.Peers {
			tcp, ok := addr.(*net.TCPAddr)
			if !ok {
				continue
			}

			if !emit(tcp) {
				return
			}
		}
	}
}

func (s *Service) lookupDHT(ctx context.Context) <-chan *net.TCPAddr {
	if s.dht == nil {
		return nil
	}

	return s.dht.GetPeers(ctx, s.torrent.InfoHash(), s.cfg.BootstrapNodes)
}
