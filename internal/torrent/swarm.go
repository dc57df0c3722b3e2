package torrent

import (
	"context"
	"net"
	"time"

	"streambit/internal/errors"
	"streambit/internal/pieces"
	"streambit/pkg/bits"
	"streambit/pkg/btor"
	"streambit/pkg/btor/peer"
)

const tickInterval = time.Second

func (t *Torrent) run(ctx context.Context, addrs <-chan *net.TCPAddr) {
	if !t.meta.HasInfo() {
		if err := t.resolveMetadata(ctx, addrs); err != nil {
			t.setState(StateError, err)
			return
		}

		t.mu.Lock()
		t.initStore()
		t.mu.Unlock()

		t.hub.emit(MetadataResolved{})
	}

	t.setState(StateDownloading, nil)

	if t.checkComplete() {
		// Everything was restored from resume state
		t.maybeSeed()
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-addrs:
			if !ok {
				addrs = nil
				continue
			}

			go t.dial(ctx, addr)
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// resolveMetadata collects candidate peers from discovery
// and fetches the info dictionary from the swarm. Fetch
// rounds alternate with gathering until the deadline, so
// addresses discovered after the first batch still get tried.
func (t *Torrent) resolveMetadata(ctx context.Context, addrs <-chan *net.TCPAddr) error {
	var op errors.Op = "torrent.Torrent.resolveMetadata"

	ctx, cancel := context.WithTimeout(ctx, t.cfg.MetaTimeout)
	defer cancel()

	window := t.cfg.MetaTimeout / 8
	if window > 5*time.Second {
		window = 5 * time.Second
	}

	attempt := t.cfg.MetaTimeout / 4
	if attempt > 20*time.Second {
		attempt = 20 * time.Second
	}

	var candidates []net.Addr

	for {
		gather := time.After(window)

	gathering:
		for {
			select {
			case <-ctx.Done():
				return errors.Wrap(peer.ErrMetadataTimeout, op, errors.Network)
			case addr, ok := <-addrs:
				if !ok {
					addrs = nil
					continue
				}

				candidates = append(candidates, addr)
				if len(candidates) >= 30 {
					break gathering
				}
			case <-gather:
				break gathering
			}
		}

		if len(candidates) == 0 {
			continue
		}

		attemptCtx, done := context.WithTimeout(ctx, attempt)
		info, err := peer.FetchMetadata(attemptCtx, t.meta.InfoHash(), candidates, t.dialConfig())
		done()

		if err != nil {
			// Next round retries the pool plus anything newly
			// discovered
			continue
		}

		if err := t.meta.SetInfo(info); err != nil {
			return errors.Wrap(err, op)
		}

		return nil
	}
}

func (t *Torrent) dialConfig() peer.DialConfig {
	return peer.DialConfig{
		PStr:       t.cfg.PStr,
		InfoHash:   t.meta.InfoHash(),
		PeerID:     t.cfg.PeerID,
		Extensions: t.ext,
		NumPieces:  t.meta.NumPieces(),
		Timeout:    t.cfg.DialTimeout,
	}
}

func (t *Torrent) dial(ctx context.Context, addr *net.TCPAddr) {
	t.mu.Lock()
	if len(t.peers) >= t.cfg.MaxPeers || t.closedLocked() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	if t.cfg.ConnGate != nil {
		release, ok := t.cfg.ConnGate(ctx)
		if !ok {
			return
		}
		defer release()
	}

	p, err := peer.Dial(ctx, addr, t.dialConfig())
	if err != nil {
		return
	}

	t.AddPeer(ctx, p)

	// Hold the gate's slot for the lifetime of the
	// connection
	done := make(chan struct{})
	p.OnClose(func(*peer.Peer) { close(done) })
	<-done
}

func (t *Torrent) closedLocked() bool {
	return t.cancel == nil && t.state != StateCreated
}

// AddPeer registers an established connection with the swarm
// and begins consuming its messages. Used for both outgoing
// dials and incoming connections accepted by the session.
func (t *Torrent) AddPeer(ctx context.Context, p *peer.Peer) {
	t.mu.Lock()
	if _, dup := t.peers[p.AddrString()]; dup || len(t.peers) >= t.cfg.MaxPeers || t.closedLocked() {
		t.mu.Unlock()
		p.Close()
		return
	}
	t.peers[p.AddrString()] = p
	store := t.store
	t.mu.Unlock()

	p.OnClose(t.dropPeer)

	if store != nil {
		if field := store.Bitfield(); field.Count() > 0 {
			p.Send(peer.BitFieldMessage{BitField: field.Bytes()})
		}
	}

	p.Send(peer.InterestedMessage{})

	if t.cfg.DHTPort > 0 && p.Extensions.IsEnabled(peer.ExtDHT) {
		p.Send(peer.PortMessage{Port: t.cfg.DHTPort})
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.servePeer(ctx, p)
	}()
}

func (t *Torrent) dropPeer(p *peer.Peer) {
	t.mu.Lock()

	delete(t.peers, p.AddrString())

	// Re-queue pieces this peer was serving
	var released []int
	for index, req := range t.pending {
		if req.addr == p.AddrString() {
			released = append(released, index)
			delete(t.pending, index)
		}
	}

	pk := t.picker
	store := t.store
	t.mu.Unlock()

	if pk != nil {
		pk.RemovePeerField(p.Field())
	}

	for _, index := range released {
		if store != nil {
			store.Release(index)
		}
		if pk != nil {
			pk.Release(index)
		}
	}
}

// servePeer consumes one peer's message stream
func (t *Torrent) servePeer(ctx context.Context, p *peer.Peer) {
	// The peer's bitfield folds into availability at most once
	// per connection; have messages keep the counts incremental
	// from there
	counted := false

	for msg := range p.Msg {
		t.mu.Lock()
		pk := t.picker
		t.mu.Unlock()

		switch v := msg.(type) {
		case peer.PieceMessage:
			t.handleBlock(p, v)
		case peer.HaveMessage:
			if pk != nil {
				pk.IncAvailability(int(v.Index))
			}
		case peer.DontHaveMessage:
			if pk != nil {
				pk.DecAvailability(int(v.Index))
			}
		case peer.BitFieldMessage:
			if pk != nil && !counted {
				if bf, err := bits.FromBytes(v.BitField, t.meta.NumPieces()); err == nil {
					pk.AddPeerField(bf)
					counted = true
				}
			}
		case peer.UnchokeMessage:
			t.requestFrom(p)
		case peer.RequestMessage:
			t.serveRequest(p, v)
		case peer.PexMessage:
			t.disc.AddPEX(v.Added)
		}
	}
}

// handleBlock routes a received block into the piece store
// and reacts to the outcome
func (t *Torrent) handleBlock(p *peer.Peer, msg peer.PieceMessage) {
	t.mu.Lock()
	store := t.store
	if store == nil {
		t.mu.Unlock()
		return
	}

	index := int(msg.Index)

	set, ok := t.contributors[index]
	if !ok {
		set = make(map[string]bool)
		t.contributors[index] = set
	}
	set[p.AddrString()] = true
	t.mu.Unlock()

	outcome, err := store.SubmitBlock(index, msg.Offset, msg.Data)
	if err != nil {
		if errors.IsKind(err, errors.IO) {
			// Disk failure is fatal for the torrent
			t.setState(StateError, err)
		}
		return
	}

	switch outcome {
	case pieces.OutcomeVerified:
		t.finishPiece(index)
	case pieces.OutcomeHashMismatch:
		t.punishContributors(index)
	}
}

func (t *Torrent) finishPiece(index int) {
	t.mu.Lock()
	delete(t.pending, index)
	delete(t.contributors, index)
	peerList := t.peerList()
	pk := t.picker
	t.mu.Unlock()

	pk.MarkHave(index)

	t.hub.emit(PieceCompleted{Index: index})

	for _, p := range peerList {
		p.Send(peer.HaveMessage{Index: uint32(index)})
	}

	if t.checkComplete() {
		t.maybeSeed()
	}
}

// punishContributors strikes every peer that contributed a
// block to a piece that failed verification, disconnecting
// repeat offenders. The piece returns to the candidate set.
func (t *Torrent) punishContributors(index int) {
	t.mu.Lock()

	delete(t.pending, index)

	var drop []*peer.Peer
	for addr := range t.contributors[index] {
		t.strikes[addr]++
		if t.strikes[addr] >= t.cfg.MaxStrikes {
			if p, ok := t.peers[addr]; ok {
				drop = append(drop, p)
			}
		}
	}
	delete(t.contributors, index)
	pk := t.picker
	t.mu.Unlock()

	pk.Release(index)

	for _, p := range drop {
		t.logger.Info().Str("peer", p.AddrString()).Msg("disconnecting peer after repeated bad pieces")
		p.Close()
	}
}

// serveRequest answers a remote block request from verified
// local data
func (t *Torrent) serveRequest(p *peer.Peer, req peer.RequestMessage) {
	t.mu.Lock()
	store := t.store
	state := t.state
	t.mu.Unlock()

	if store == nil || p.Choked() {
		return
	}

	if state != StateSeeding && state != StateCompleted && state != StateDownloading {
		return
	}

	if !store.Has(int(req.Index)) {
		return
	}

	offset := int64(req.Index)*int64(t.meta.PieceLength()) + int64(req.Offset)
	data, err := store.ReadRange(offset, int(req.Length))
	if err != nil {
		return
	}

	if t.cfg.UpGate != nil {
		t.cfg.UpGate(len(data))
	}

	p.ServeRequest(req, data)
}

// tick drives periodic work: request top-up, timeout
// recovery, choking and transfer-rate accounting
func (t *Torrent) tick(ctx context.Context) {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	t.updateRates()

	if state != StateDownloading {
		if state == StateSeeding || state == StateCompleted {
			t.manageChoking()
		}
		return
	}

	t.expireRequests()
	t.manageChoking()

	for _, p := range t.snapshotPeers() {
		t.requestFrom(p)
	}
}

func (t *Torrent) snapshotPeers() []*peer.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.peerList()
}

// peerList returns the current peers. Callers hold t.mu.
func (t *Torrent) peerList() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}

	return out
}

// expireRequests re-queues pieces whose requests have gone
// unanswered past the timeout. The slow peer is not struck;
// only corrupt data earns strikes.
func (t *Torrent) expireRequests() {
	t.mu.Lock()

	var expired []int
	for index, req := range t.pending {
		if time.Since(req.sent) > t.cfg.RequestTimeout {
			expired = append(expired, index)
			delete(t.pending, index)
		}
	}

	store := t.store
	pk := t.picker
	t.mu.Unlock()

	for _, index := range expired {
		store.Release(index)
		pk.Release(index)
	}
}

// requestFrom issues piece requests to a peer, up to the
// per-peer concurrency limit
func (t *Torrent) requestFrom(p *peer.Peer) {
	t.mu.Lock()

	if t.state != StateDownloading || t.store == nil || p.Blocking() || p.Closed() {
		t.mu.Unlock()
		return
	}

	inFlight := 0
	for _, req := range t.pending {
		if req.addr == p.AddrString() {
			inFlight++
		}
	}

	budget := t.cfg.MaxPeerPieces - inFlight
	pk := t.picker
	t.mu.Unlock()

	if budget <= 0 {
		return
	}

	for _, index := range pk.Next(p.Field(), budget) {
		t.requestPiece(p, index)
	}
}

// requestPiece asks one peer for every block of a piece
func (t *Torrent) requestPiece(p *peer.Peer, index int) {
	t.mu.Lock()
	if _, dup := t.pending[index]; dup {
		t.mu.Unlock()
		return
	}
	t.pending[index] = pendingPiece{addr: p.AddrString(), sent: time.Now()}
	store := t.store
	pk := t.picker
	t.mu.Unlock()

	store.MarkRequested(index)
	pk.MarkRequested(index)

	pieceSize := int(t.meta.PieceSize(index))

	for offset := 0; offset < pieceSize; offset += pieces.BlockSize {
		length := pieces.BlockSize
		if remaining := pieceSize - offset; remaining < length {
			length = remaining
		}

		if t.cfg.DownGate != nil {
			t.cfg.DownGate(length)
		}

		err := p.Send(peer.RequestMessage{
			Index:  uint32(index),
			Offset: uint32(offset),
			Length: uint32(length),
		})
		if err != nil {
			return
		}
	}
}

// manageChoking unchokes every interested peer. With the
// session's connection cap in place the swarm stays small
// enough that tit-for-tat rotation buys little.
func (t *Torrent) manageChoking() {
	for _, p := range t.snapshotPeers() {
		if p.Interested() && p.Choked() {
			p.Send(peer.UnchokeMessage{})
		}
	}
}

func (t *Torrent) updateRates() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var down, up int64
	for _, p := range t.peers {
		down += p.Downloaded()
		up += p.Uploaded()
	}

	if d := down - t.prevDown; d > 0 {
		t.downRate = btor.Size(d)
	} else {
		t.downRate = 0
	}

	if u := up - t.prevUp; u > 0 {
		t.upRate = btor.Size(u)
	} else {
		t.upRate = 0
	}

	t.prevDown = down
	t.prevUp = up
}

func (t *Torrent) checkComplete() bool {
	t.mu.Lock()
	store := t.store
	wanted := t.wantedPieces
	t.mu.Unlock()

	if store == nil {
		return false
	}

	if wanted == nil {
		return store.Complete()
	}

	for i, w := range wanted {
		if w && !store.Has(i) {
			return false
		}
	}

	return true
}

func (t *Torrent) maybeSeed() {
	t.setState(StateCompleted, nil)

	if t.cfg.Seed {
		t.setState(StateSeeding, nil)
	}
}
