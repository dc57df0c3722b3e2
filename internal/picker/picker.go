package picker

import (
	"sort"
	"sync"

	"streambit/pkg/bits"
)

// Priority orders candidate pieces within a selection round.
// Higher values are requested first.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityReadAhead
	PriorityNext
	PriorityNow
)

type Config struct {
	// Pieces ahead of the anchor requested before the rest of
	// the payload in sequential mode
	ReadAhead int

	// Trailing pieces pinned to high priority in sequential
	// mode; media containers keep their index structures at
	// the file tail
	TailPin int
}

func (cfg Config) withDefaults() Config {
	if cfg.ReadAhead <= 0 {
		cfg.ReadAhead = 8
	}

	if cfg.TailPin <= 0 {
		cfg.TailPin = 3
	}

	return cfg
}

// Picker chooses which pieces to request next. It runs in
// one of two modes: rarest-first, which spreads requests
// across the swarm's least replicated pieces, and
// sequential, which orders requests by payload offset so a
// reader can consume the file while it downloads.
//
// Sequential mode is reference counted: it stays active
// until every acquirer has released it.
type Picker struct {
	cfg       Config
	numPieces int
	pieceLen  int64

	mu           sync.Mutex
	availability []int
	have         []bool
	requested    []bool
	unwanted     []bool
	priority     []Priority

	seqRefs     int
	anchorPiece int
}

func New(numPieces int, pieceLen int64, cfg Config) *Picker {
	return &Picker{
		cfg:          cfg.withDefaults(),
		numPieces:    numPieces,
		pieceLen:     pieceLen,
		availability: make([]int, numPieces),
		have:         make([]bool, numPieces),
		requested:    make([]bool, numPieces),
		unwanted:     make([]bool, numPieces),
		priority:     make([]Priority, numPieces),
	}
}

// AddPeerField folds a newly connected peer's bitfield into
// the availability counts
func (p *Picker) AddPeerField(field bits.BitField) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, idx := range field.Indices() {
		if idx < p.numPieces {
			p.availability[idx]++
		}
	}
}

// RemovePeerField reverts AddPeerField when a peer
// disconnects
func (p *Picker) RemovePeerField(field bits.BitField) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, idx := range field.Indices() {
		if idx < p.numPieces && p.availability[idx] > 0 {
			p.availability[idx]--
		}
	}
}

// Availability reports how many connected peers hold the
// piece
func (p *Picker) Availability(index int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(index) {
		return 0
	}

	return p.availability[index]
}

// IncAvailability records a have message from a peer
func (p *Picker) IncAvailability(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid(index) {
		p.availability[index]++
	}
}

// DecAvailability records a don't-have message from a peer
func (p *Picker) DecAvailability(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid(index) && p.availability[index] > 0 {
		p.availability[index]--
	}
}

func (p *Picker) MarkRequested(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid(index) {
		p.requested[index] = true
	}
}

// Release returns a piece to the candidate set after a
// request failed or timed out
func (p *Picker) Release(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid(index) {
		p.requested[index] = false
	}
}

func (p *Picker) MarkHave(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid(index) {
		p.have[index] = true
		p.requested[index] = false
	}
}

// Prioritize raises the given pieces above normal candidates
// in both modes. Calling it again with the same pieces is a
// no-op.
func (p *Picker) Prioritize(indices ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, idx := range indices {
		if p.valid(idx) && p.priority[idx] < PriorityHigh {
			p.priority[idx] = PriorityHigh
		}
	}
}

// SetWanted excludes a piece from selection or re-includes
// it, e.g. when its only file is deselected. Pieces already
// verified keep their data.
func (p *Picker) SetWanted(index int, wanted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid(index) {
		p.unwanted[index] = !wanted
	}
}

// AcquireSequential switches the picker to sequential mode
// anchored at the given byte offset. Each acquirer must
// eventually call ReleaseSequential.
func (p *Picker) AcquireSequential(anchorByte int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seqRefs++
	p.anchorPiece = p.pieceFor(anchorByte)
}

// ReleaseSequential drops one sequential-mode reference. The
// picker reverts to rarest-first once no references remain.
func (p *Picker) ReleaseSequential() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seqRefs > 0 {
		p.seqRefs--
	}
}

// SetAnchor moves the sequential anchor, e.g. when the user
// seeks during playback. Requests already in flight are not
// cancelled; they simply stop being re-issued if they fall
// outside the new window. Idempotent.
func (p *Picker) SetAnchor(anchorByte int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seqRefs > 0 {
		p.anchorPiece = p.pieceFor(anchorByte)
	}
}

func (p *Picker) Sequential() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.seqRefs > 0
}

// Next returns up to max piece indices to request from a
// peer holding the given pieces. Pieces already verified or
// already requested are skipped.
func (p *Picker) Next(peerField bits.BitField, max int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []int
	for i := 0; i < p.numPieces; i++ {
		if p.have[i] || p.requested[i] || p.unwanted[i] {
			continue
		}

		if !peerField.Get(i) {
			continue
		}

		candidates = append(candidates, i)
	}

	if p.seqRefs > 0 {
		p.sortSequential(candidates)
	} else {
		p.sortRarest(candidates)
	}

	if len(candidates) > max {
		candidates = candidates[:max]
	}

	return candidates
}

// sortRarest orders candidates by ascending availability,
// explicit priority first, ties broken by lowest index
func (p *Picker) sortRarest(candidates []int) {
	sort.SliceStable(candidates, func(a, b int) bool {
		i, j := candidates[a], candidates[b]

		if p.priority[i] != p.priority[j] {
			return p.priority[i] > p.priority[j]
		}

		if p.availability[i] != p.availability[j] {
			return p.availability[i] < p.availability[j]
		}

		return i < j
	})
}

// sortSequential orders candidates for streaming: the
// anchor piece and its read-ahead window first, then pinned
// tail pieces, then ascending from the anchor, with pieces
// behind the anchor last
func (p *Picker) sortSequential(candidates []int) {
	sort.SliceStable(candidates, func(a, b int) bool {
		i, j := candidates[a], candidates[b]

		ri, rj := p.seqRank(i), p.seqRank(j)
		if ri != rj {
			return ri > rj
		}

		return i < j
	})
}

func (p *Picker) seqRank(i int) Priority {
	if p.priority[i] >= PriorityHigh && p.priority[i] > p.windowRank(i) {
		return p.priority[i]
	}

	return p.windowRank(i)
}

func (p *Picker) windowRank(i int) Priority {
	switch {
	case i == p.anchorPiece:
		return PriorityNow
	case i > p.anchorPiece && i <= p.anchorPiece+1:
		return PriorityNext
	case i > p.anchorPiece && i < p.anchorPiece+p.cfg.ReadAhead:
		return PriorityReadAhead
	case i >= p.numPieces-p.cfg.TailPin:
		// Tail pieces hold container metadata players need
		// before playback can start
		return PriorityHigh
	case i > p.anchorPiece:
		return PriorityNormal
	default:
		return PriorityNone
	}
}

func (p *Picker) pieceFor(byteOffset int64) int {
	if byteOffset < 0 {
		return 0
	}

	idx := int(byteOffset / p.pieceLen)
	if idx >= p.numPieces {
		idx = p.numPieces - 1
	}

	return idx
}

func (p *Picker) valid(index int) bool {
	return index >= 0 && index < p.numPieces
}
