package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"streambit/internal/dht"
	"streambit/internal/discovery"
	"streambit/internal/errors"
	"streambit/internal/torrent"
	"streambit/pkg/btor"
	"streambit/pkg/btor/tracker"
)

// State is the session lifecycle state, independent of the
// states of individual torrents
type State int

const (
	StateCreating State = iota
	StateInitializing
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	default:
		return "error"
	}
}

type Config struct {
	BaseDir     string
	DownloadDir string

	// Client identifier embedded in the generated peer id,
	// e.g. "-SB0001-"
	ClientPrefix string

	IP    string
	Ports []uint16

	// Max open peer connections across all torrents
	MaxConnections int

	// Global transfer limits in bytes per second; zero means
	// unlimited
	DownloadRate int
	UploadRate   int

	// Piece selection tuning handed to each torrent
	ReadAheadPieces int
	TailPinPieces   int

	Seed bool

	BootstrapNodes []string
	DisableUPnP    bool
	DisableDHT     bool
}

func (cfg Config) withDefaults() Config {
	if cfg.ClientPrefix == "" {
		cfg.ClientPrefix = "-SB0001-"
	}

	if len(cfg.Ports) == 0 {
		cfg.Ports = []uint16{6881, 6882, 6883, 6884, 6885, 6886, 6887, 6888, 6889}
	}

	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 200
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = cfg.BaseDir
	}

	return cfg
}

// Session owns the set of active torrents and the resources
// they share: the listen port, the DHT node, the connection
// budget and the global rate limits.
type Session struct {
	cfg    Config
	peerID [20]byte
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	err      error
	torrents map[[20]byte]*torrent.Torrent
	port     uint16

	// Each open connection holds one slot
	conns chan struct{}

	down *rate.Limiter
	up   *rate.Limiter

	dht      *dht.Node
	listener *peerListener

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) *Session {
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:      cfg,
		peerID:   generatePeerID(cfg.ClientPrefix),
		logger:   log.With().Str("service", "session").Logger(),
		state:    StateCreating,
		torrents: make(map[[20]byte]*torrent.Torrent),
		conns:    make(chan struct{}, cfg.MaxConnections),
	}

	if cfg.DownloadRate > 0 {
		s.down = rate.NewLimiter(rate.Limit(cfg.DownloadRate), cfg.DownloadRate)
	}

	if cfg.UploadRate > 0 {
		s.up = rate.NewLimiter(rate.Limit(cfg.UploadRate), cfg.UploadRate)
	}

	return s
}

// generatePeerID builds an Azureus-style peer id: the client
// prefix followed by random bytes
func generatePeerID(prefix string) [20]byte {
	var id [20]byte

	n := copy(id[:], prefix)
	rand.Read(id[n:])

	return id
}

// Init brings the session up: it forwards a listen port,
// starts the DHT node and begins accepting incoming peer
// connections. Torrents can only be added to a Running
// session.
func (s *Session) Init(ctx context.Context) error {
	var op errors.Op = "session.Session.Init"

	s.mu.Lock()
	if s.state != StateCreating {
		s.mu.Unlock()
		return errors.Wrap(errors.Newf("cannot init session in state %s", s.state), op, errors.BadArgument)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	s.logger.Info().Msg("initializing session")

	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancel = cancel

	port, err := s.bindPort()
	if err != nil {
		s.fail(err)
		return errors.Wrap(err, op)
	}

	if !s.cfg.DisableDHT {
		node, err := dht.New(dht.Config{BootstrapNodes: s.cfg.BootstrapNodes})
		if err != nil {
			// Trackerless discovery is an enhancement, not a
			// requirement
			s.logger.Warn().Err(err).Msg("dht node failed to start")
		} else {
			s.dht = node
		}
	}

	s.mu.Lock()
	s.port = port
	s.state = StateRunning
	s.mu.Unlock()

	s.logger.Info().Uint16("port", port).Msg("session running")

	return nil
}

// bindPort starts the incoming-peer listener on the first
// available preferred port, forwarding it via UPnP when the
// gateway cooperates
func (s *Session) bindPort() (uint16, error) {
	var op errors.Op = "session.Session.bindPort"

	for _, port := range s.cfg.Ports {
		l, err := newPeerListener(s, s.cfg.IP, port)
		if err != nil {
			continue
		}

		s.listener = l
		go l.serve(s.ctx)

		port = l.port()

		if !s.cfg.DisableUPnP {
			if err := forwardPort(port); err != nil {
				s.logger.Warn().Err(err).Uint16("port", port).Msg("upnp forwarding failed")
			}
		}

		return port, nil
	}

	return 0, errors.Wrap(errors.New("no listen port available"), op, errors.Network)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateError
	s.err = err
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Port returns the bound listen port
func (s *Session) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.port
}

func (s *Session) PeerID() [20]byte {
	return s.peerID
}

// Add registers a torrent with the session and starts it.
// The same info hash can only be added once.
func (s *Session) Add(meta *btor.Torrent) (*torrent.Torrent, error) {
	var op errors.Op = "session.Session.Add"

	if err := meta.Validate(); err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, errors.Wrap(errors.Newf("session is %s, not running", s.state), op, errors.BadArgument)
	}

	hash := meta.InfoHash()
	if _, dup := s.torrents[hash]; dup {
		s.mu.Unlock()
		return nil, errors.Wrap(errors.Newf("torrent %x already added", hash), op, errors.BadArgument)
	}

	port := s.port
	s.mu.Unlock()

	var dhtPort uint16
	if s.dht != nil {
		dhtPort = s.dht.Port()
	}

	t := torrent.New(meta, s.newDiscovery(meta, port), torrent.Config{
		BaseDir:   s.cfg.DownloadDir,
		PeerID:    s.peerID,
		Port:      port,
		DHTPort:   dhtPort,
		ReadAhead: s.cfg.ReadAheadPieces,
		TailPin:   s.cfg.TailPinPieces,
		Seed:      s.cfg.Seed,
		ConnGate:  s.acquireConn,
		DownGate:  s.gate(s.down),
		UpGate:    s.gate(s.up),
	})

	if err := t.Start(s.ctx); err != nil {
		return nil, errors.Wrap(err, op)
	}

	s.mu.Lock()
	s.torrents[hash] = t
	s.mu.Unlock()

	s.logger.Info().Str("hash", meta.HexHash()).Str("name", meta.Name()).Msg("torrent added")

	return t, nil
}

// AddBytes registers a torrent from raw .torrent file bytes
func (s *Session) AddBytes(data []byte) (*torrent.Torrent, error) {
	var op errors.Op = "session.Session.AddBytes"

	meta, err := btor.LoadBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	return s.Add(meta)
}

// AddMagnet registers a torrent from a magnet URI; its
// metadata is resolved from the swarm
func (s *Session) AddMagnet(uri string) (*torrent.Torrent, error) {
	var op errors.Op = "session.Session.AddMagnet"

	meta, err := btor.LoadMagnet(uri)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	return s.Add(meta)
}

// newDiscovery builds the per-torrent peer discovery service
// from the torrent's announce tiers and the shared DHT node
func (s *Session) newDiscovery(meta *btor.Torrent, port uint16) *discovery.Service {
	var node discovery.DHT
	if s.dht != nil {
		node = s.dht
	}

	stats := func() (downloaded, left, uploaded uint64) {
		s.mu.Lock()
		t := s.torrents[meta.InfoHash()]
		s.mu.Unlock()

		if t == nil {
			return 0, uint64(meta.Length()), 0
		}

		st := t.Status()
		return uint64(st.Downloaded), uint64(st.Wanted - st.Downloaded), uint64(st.Uploaded)
	}

	return discovery.New(meta, tracker.NewGroup(meta.AnnounceList()), node, stats, discovery.Config{
		PeerID:         s.peerID,
		Port:           port,
		BootstrapNodes: s.cfg.BootstrapNodes,
	})
}

// Get returns the torrent registered under the given info
// hash
func (s *Session) Get(hash [20]byte) (*torrent.Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[hash]
	return t, ok
}

// Resolve looks a torrent up by hex info hash; it satisfies
// the stream server's resolver contract
func (s *Session) Resolve(hexHash string) (*torrent.Torrent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.torrents {
		if t.Metadata().HexHash() == hexHash {
			return t, true
		}
	}

	return nil, false
}

// Torrents returns the registered torrents
func (s *Session) Torrents() []*torrent.Torrent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*torrent.Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}

	return out
}

// Remove stops a torrent and drops it from the registry. The
// payload files stay on disk.
func (s *Session) Remove(hash [20]byte) error {
	var op errors.Op = "session.Session.Remove"

	s.mu.Lock()
	t, ok := s.torrents[hash]
	delete(s.torrents, hash)
	s.mu.Unlock()

	if !ok {
		return errors.Wrap(errors.Newf("no torrent with hash %x", hash), op, errors.BadArgument)
	}

	t.Stop()
	s.logger.Info().Str("hash", fmt.Sprintf("%x", hash)).Msg("torrent removed")

	return nil
}

// Stat summarizes the session for diagnostic surfaces
func (s *Session) Stat() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	torrents := make([]map[string]interface{}, 0, len(s.torrents))
	for _, t := range s.torrents {
		st := t.Status()
		torrents = append(torrents, map[string]interface{}{
			"name":         t.Name(),
			"hash":         t.Metadata().HexHash(),
			"state":        st.State.String(),
			"progress":     st.Progress,
			"peers":        st.Peers,
			"seeds":        st.Seeds,
			"downloadRate": st.DownloadRate.String(),
			"uploadRate":   st.UploadRate.String(),
		})
	}

	return map[string]interface{}{
		"state":       s.state.String(),
		"port":        s.port,
		"connections": len(s.conns),
		"torrents":    torrents,
	}
}

// Stop tears the session down: all torrents stop and persist
// their resume state, the listener closes and the DHT node
// shuts down
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateError {
		s.mu.Unlock()
		return
	}

	cancel := s.cancel
	s.cancel = nil

	torrents := make([]*torrent.Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		torrents = append(torrents, t)
	}
	s.torrents = make(map[[20]byte]*torrent.Torrent)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if s.listener != nil {
		s.listener.close()
	}

	for _, t := range torrents {
		t.Stop()
	}

	if s.dht != nil {
		s.dht.Close()
	}

	s.logger.Info().Msg("session stopped")
}

// acquireConn claims a slot from the global connection
// budget; it gives up when the budget stays exhausted
func (s *Session) acquireConn(ctx context.Context) (func(), bool) {
	select {
	case s.conns <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-s.conns })
		}, true
	case <-ctx.Done():
		return nil, false
	case <-time.After(5 * time.Second):
		return nil, false
	}
}

// gate adapts a rate limiter to the torrents' byte-count
// hook. Requests larger than the burst are admitted in burst
// installments.
func (s *Session) gate(l *rate.Limiter) func(int) {
	if l == nil {
		return nil
	}

	return func(n int) {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}

		for n > 0 {
			chunk := n
			if burst := l.Burst(); chunk > burst {
				chunk = burst
			}

			if err := l.WaitN(ctx, chunk); err != nil {
				return
			}

			n -= chunk
		}
	}
}
