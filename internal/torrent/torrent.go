package torrent

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"streambit/internal/discovery"
	"streambit/internal/errors"
	"streambit/internal/picker"
	"streambit/internal/pieces"
	"streambit/pkg/btor"
	"streambit/pkg/btor/peer"
)

// State is the torrent lifecycle state
type State int

const (
	StateCreated State = iota
	StateInitializing
	StateDownloading
	StatePaused
	StateSeeding
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateSeeding:
		return "seeding"
	case StateCompleted:
		return "completed"
	default:
		return "error"
	}
}

type Config struct {
	BaseDir string
	PStr    string
	PeerID  [20]byte
	Port    uint16

	// Port of the local DHT node, sent to peers advertising
	// BEP-5 support. Zero means no node is running.
	DHTPort uint16

	// Peers the torrent keeps connected at most
	MaxPeers int

	// Pieces requested concurrently from one peer
	MaxPeerPieces int

	// A requested piece is re-assigned after this long
	// without completing
	RequestTimeout time.Duration

	// Hash mismatches tolerated from one peer before it is
	// disconnected
	MaxStrikes int

	// Keep serving pieces after the download completes
	Seed bool

	ReadAhead int
	TailPin   int

	DialTimeout time.Duration
	MetaTimeout time.Duration

	// Gate invoked before dialing a new peer; the session
	// uses it to enforce its global connection limit. A nil
	// gate admits everything.
	ConnGate func(ctx context.Context) (release func(), ok bool)

	// Rate gates called with payload byte counts before
	// requesting (down) and serving (up) blocks. The session
	// wires its global limiters here; they block until the
	// bytes are admitted. Nil means unthrottled.
	DownGate func(n int)
	UpGate   func(n int)
}

func (cfg Config) withDefaults() Config {
	if cfg.PStr == "" {
		cfg.PStr = "BitTorrent protocol"
	}

	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 40
	}

	if cfg.MaxPeerPieces <= 0 {
		cfg.MaxPeerPieces = 4
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	if cfg.MaxStrikes <= 0 {
		cfg.MaxStrikes = 3
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	if cfg.MetaTimeout <= 0 {
		cfg.MetaTimeout = time.Minute
	}

	return cfg
}

// pendingPiece tracks one in-flight piece request
type pendingPiece struct {
	addr string
	sent time.Time
}

// Torrent orchestrates one swarm: it owns the piece store,
// the piece picker and the peer connections for a single
// info hash, and drives the download state machine.
type Torrent struct {
	cfg  Config
	meta *btor.Torrent
	disc *discovery.Service
	ext  *peer.Extensions
	hub  *listenerHub

	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	err     error
	store   *pieces.Store
	picker  *picker.Picker
	peers   map[string]*peer.Peer
	pending map[int]pendingPiece

	// Peers that contributed blocks to a piece still being
	// assembled, for penalization on hash mismatch
	contributors map[int]map[string]bool
	strikes      map[string]int

	// File selection; nil means every piece is wanted
	wantedPieces []bool
	wantedBytes  btor.Size

	cancel context.CancelFunc
	wg     sync.WaitGroup

	downRate btor.Size
	upRate   btor.Size
	prevDown int64
	prevUp   int64
}

func New(meta *btor.Torrent, disc *discovery.Service, cfg Config) *Torrent {
	cfg = cfg.withDefaults()

	ext := peer.NewExtensions([8]byte{})
	ext.Enable(peer.ExtProtocol)
	ext.Enable(peer.ExtDHT)

	t := &Torrent{
		cfg:          cfg,
		meta:         meta,
		disc:         disc,
		ext:          ext,
		hub:          newListenerHub(),
		logger:       log.With().Str("torrent", meta.HexHash()).Logger(),
		state:        StateCreated,
		peers:        make(map[string]*peer.Peer),
		pending:      make(map[int]pendingPiece),
		contributors: make(map[int]map[string]bool),
		strikes:      make(map[string]int),
	}

	if meta.HasInfo() {
		t.initStore()
	}

	return t
}

func (t *Torrent) initStore() {
	t.store = pieces.New(t.meta, t.cfg.BaseDir)
	t.picker = picker.New(t.meta.NumPieces(), int64(t.meta.PieceLength()), picker.Config{
		ReadAhead: t.cfg.ReadAhead,
		TailPin:   t.cfg.TailPin,
	})

	if err := t.store.LoadResume(t.resumePath()); err == nil {
		for _, idx := range t.store.Bitfield().Indices() {
			t.picker.MarkHave(idx)
		}
	}
}

func (t *Torrent) resumePath() string {
	return filepath.Join(t.cfg.BaseDir, t.meta.HexHash()+".resume")
}

// Start validates metadata, resolves it from the swarm if
// the torrent came from a magnet link, and begins
// downloading. Non-blocking; progress is reported through
// events.
func (t *Torrent) Start(ctx context.Context) error {
	var op errors.Op = "torrent.Torrent.Start"

	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return errors.Wrap(errors.Newf("cannot start torrent in state %s", t.state), op, errors.BadArgument)
	}

	if err := t.meta.Validate(); err != nil {
		t.mu.Unlock()
		t.setState(StateError, err)
		return errors.Wrap(err, op, errors.BadArgument)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.setState(StateInitializing, nil)

	addrs := t.disc.Start(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx, addrs)
	}()

	return nil
}

// Stop cancels all peer connections and discovery and
// persists resume state. The torrent cannot be restarted
// after Stop; create a new one from the same metadata.
func (t *Torrent) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	t.disc.Stop()

	t.mu.Lock()
	peerList := t.peerList()
	t.peers = make(map[string]*peer.Peer)
	store := t.store
	t.mu.Unlock()

	for _, p := range peerList {
		p.Close()
	}

	t.wg.Wait()

	if store != nil {
		store.DiscardPending()

		if err := store.SaveResume(t.resumePath()); err != nil {
			t.logger.Warn().Err(err).Msg("failed to save resume state")
		}

		store.Close()
	}

	t.hub.close()
}

// Pause stops new block requests but keeps existing peer
// connections idle
func (t *Torrent) Pause() {
	t.mu.Lock()
	ok := t.state == StateDownloading
	t.mu.Unlock()

	if ok {
		t.setState(StatePaused, nil)
	}
}

// Resume returns a paused torrent to downloading without
// re-verifying pieces
func (t *Torrent) Resume() {
	t.mu.Lock()
	ok := t.state == StatePaused
	t.mu.Unlock()

	if ok {
		t.setState(StateDownloading, nil)
	}
}

func (t *Torrent) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *Torrent) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.err
}

func (t *Torrent) Name() string {
	return t.meta.Name()
}

func (t *Torrent) InfoHash() [20]byte {
	return t.meta.InfoHash()
}

func (t *Torrent) Metadata() *btor.Torrent {
	return t.meta
}

func (t *Torrent) Files() []btor.File {
	return t.meta.Files()
}

func (t *Torrent) PieceLength() btor.Size {
	return t.meta.PieceLength()
}

func (t *Torrent) NumPieces() int {
	return t.meta.NumPieces()
}

func (t *Torrent) Have(index int) bool {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()

	return store != nil && store.Has(index)
}

func (t *Torrent) HaveByte(offset int64) bool {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()

	return store != nil && store.HasByte(offset)
}

// ReadRange reads verified payload bytes. Fails with
// pieces.ErrNotAvailable when the range is not yet complete.
func (t *Torrent) ReadRange(offset int64, length int) ([]byte, error) {
	t.mu.Lock()
	store := t.store
	t.mu.Unlock()

	if store == nil {
		return nil, pieces.ErrNotAvailable
	}

	return store.ReadRange(offset, length)
}

// SelectFiles restricts the download to the given files of a
// multi-file torrent. Pieces carrying only unselected files
// are not requested; a piece shared with a selected file is
// still downloaded in full.
func (t *Torrent) SelectFiles(indices ...int) error {
	var op errors.Op = "torrent.Torrent.SelectFiles"

	if !t.meta.HasInfo() {
		return errors.Wrap(errors.New("metadata not resolved"), op, errors.BadArgument)
	}

	files := t.meta.Files()
	wantedFile := make([]bool, len(files))
	for _, idx := range indices {
		if idx < 0 || idx >= len(files) {
			return errors.Wrap(errors.Newf("file index %d out of range", idx), op, errors.BadArgument)
		}
		wantedFile[idx] = true
	}

	wanted := make([]bool, t.meta.NumPieces())
	var wantedBytes btor.Size

	pieceLen := t.meta.PieceLength()
	for i, f := range files {
		if !wantedFile[i] {
			continue
		}

		wantedBytes += f.Length
		for piece := f.FirstPiece(pieceLen); piece <= f.LastPiece(pieceLen); piece++ {
			wanted[piece] = true
		}
	}

	t.mu.Lock()
	t.wantedPieces = wanted
	t.wantedBytes = wantedBytes
	pk := t.picker
	t.mu.Unlock()

	if pk != nil {
		for i, w := range wanted {
			pk.SetWanted(i, w)
		}
	}

	return nil
}

// Prioritize raises the given pieces in the selection order
func (t *Torrent) Prioritize(indices ...int) {
	t.mu.Lock()
	pk := t.picker
	t.mu.Unlock()

	if pk != nil {
		pk.Prioritize(indices...)
	}
}

// PrioritizeByte prioritizes the piece containing the given
// byte offset
func (t *Torrent) PrioritizeByte(offset int64) {
	t.Prioritize(int(offset / int64(t.meta.PieceLength())))
}

// SequentialMode switches piece selection to sequential
// order anchored at the given byte offset. Returns a release
// function; selection reverts to rarest-first once every
// acquirer has released.
func (t *Torrent) SequentialMode(anchorByte int64) (release func()) {
	t.mu.Lock()
	pk := t.picker
	t.mu.Unlock()

	if pk == nil {
		return func() {}
	}

	pk.AcquireSequential(anchorByte)

	var once sync.Once
	return func() {
		once.Do(pk.ReleaseSequential)
	}
}

// Seek moves the sequential anchor, e.g. on a player seek
func (t *Torrent) Seek(anchorByte int64) {
	t.mu.Lock()
	pk := t.picker
	t.mu.Unlock()

	if pk != nil {
		pk.SetAnchor(anchorByte)
	}
}

// Subscribe registers an event listener. The returned id is
// passed to Unsubscribe.
func (t *Torrent) Subscribe() (int, <-chan Event) {
	return t.hub.subscribe()
}

func (t *Torrent) Unsubscribe(id int) {
	t.hub.unsubscribe(id)
}

// setState performs a state transition and notifies
// listeners. Transitions out of terminal states are ignored.
func (t *Torrent) setState(to State, cause error) {
	t.mu.Lock()

	from := t.state
	if from == to || from == StateError || (from == StateCompleted && to != StateSeeding) {
		t.mu.Unlock()
		return
	}

	t.state = to
	if to == StateError {
		t.err = cause
	}
	t.mu.Unlock()

	t.logger.Info().Stringer("from", from).Stringer("to", to).Err(cause).Msg("state change")
	t.hub.emit(StateChange{From: from, To: to, Err: cause})
}
