package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"streambit/internal/errors"
	"streambit/pkg/bits"
)

// ConnState tracks a connection through its lifecycle.
// Transitions only ever move forward; a connection that
// fails its handshake goes straight to StateClosed.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateReady
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

const (
	keepAliveInterval = 2 * time.Minute
	idleTimeout       = 4 * time.Minute
	writeTimeout      = 5 * time.Second
)

// Peer is a single wire-protocol session with a remote peer.
// The Torrent that owns the connection consumes its Msg
// channel; the peer itself only performs the bookkeeping
// every connection needs (choke flags, remote bitfield,
// negotiated extensions, transfer counters).
type Peer struct {
	ID []byte
	net.Conn
	InfoHash [20]byte

	// Msg delivers every received message to the owner. It is
	// closed when the connection closes.
	Msg chan Message

	Extensions *Extensions

	// mu guards the fields below: the Listen goroutine writes
	// them while the owning torrent reads
	mu sync.Mutex

	// The peer has choked us and should not be asked for
	// pieces
	blocking bool

	// We have choked the peer and will not serve it pieces
	choked bool

	// The peer wants pieces we have
	interested bool

	// The peer has pieces we want
	interesting bool

	uploaded   int64
	downloaded int64

	// Pieces the peer claims to have
	pieces bits.BitField

	lastReceived time.Time
	lastSent     time.Time

	state   int32
	writeMu sync.Mutex

	closeOnce sync.Once
	cbMu      sync.Mutex
	onClose   []func(*Peer)

	// Requests the remote has made of us and that have not
	// been served or cancelled yet
	remoteRequests []RequestMessage
	reqMu          sync.Mutex
}

func New(c net.Conn, numPieces int) *Peer {
	return &Peer{
		Conn:         c,
		blocking:     true,
		choked:       true,
		Msg:          make(chan Message, 32),
		pieces:       bits.New(numPieces),
		Extensions:   NewExtensions([8]byte{}),
		lastReceived: time.Now(),
		lastSent:     time.Now(),
		state:        int32(StateConnecting),
	}
}

func (p *Peer) State() ConnState {
	return ConnState(atomic.LoadInt32(&p.state))
}

func (p *Peer) setState(s ConnState) {
	atomic.StoreInt32(&p.state, int32(s))
}

func (p *Peer) Closed() bool {
	return p.State() == StateClosed
}

// Blocking reports whether the remote has choked us
func (p *Peer) Blocking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.blocking
}

// Choked reports whether we have choked the remote
func (p *Peer) Choked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.choked
}

// Interested reports whether the remote wants pieces we have
func (p *Peer) Interested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.interested
}

// Interesting reports whether we told the remote we want its
// pieces
func (p *Peer) Interesting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.interesting
}

func (p *Peer) Downloaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.downloaded
}

func (p *Peer) Uploaded() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.uploaded
}

// Field returns a snapshot of the pieces the peer claims to
// have
func (p *Peer) Field() bits.BitField {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pieces.Copy()
}

func (p *Peer) HasPiece(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pieces.Get(index)
}

func (p *Peer) setBlocking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blocking = v
}

func (p *Peer) setInterested(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.interested = v
}

func (p *Peer) addDownloaded(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded += n
}

func (p *Peer) addUploaded(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.uploaded += n
}

func (p *Peer) markPiece(index int, have bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if have {
		p.pieces.Set(index)
	} else {
		p.pieces.Unset(index)
	}
}

// setField installs the remote bitfield. When the bitfield
// validates against the known piece count its bits are copied
// into the existing storage so concurrent readers never see a
// stale slice header.
func (p *Peer) setField(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if bf, err := bits.FromBytes(data, p.pieces.Len()); err == nil {
		copy(p.pieces, bf)
		return
	}

	p.pieces = bits.BitField(data)
}

func (p *Peer) touchReceived() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastReceived = time.Now()
}

// AddrString returns the remote address, usable as a
// registry key
func (p *Peer) AddrString() string {
	return p.RemoteAddr().String()
}

func (p *Peer) IDStr() string {
	if len(p.ID) < 20 {
		return ""
	}

	return fmt.Sprintf("%x", p.ID[8:])
}

// OnClose registers a callback invoked when the connection
// closes. A callback registered after the close runs
// immediately.
func (p *Peer) OnClose(fn func(*Peer)) {
	p.cbMu.Lock()
	if p.State() == StateClosed {
		p.cbMu.Unlock()
		fn(p)
		return
	}
	p.onClose = append(p.onClose, fn)
	p.cbMu.Unlock()
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.setState(StateClosed)

		p.cbMu.Lock()
		callbacks := p.onClose
		p.onClose = nil
		p.cbMu.Unlock()

		for _, fn := range callbacks {
			fn(p)
		}
		p.Conn.Close()
	})

	return nil
}

// IsServing reports whether the remote has an outstanding
// request for the given block
func (p *Peer) IsServing(index, offset uint32) bool {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	for _, req := range p.remoteRequests {
		if req.Index == index && req.Offset == offset {
			return true
		}
	}

	return false
}

// Send writes a message to the peer, updating the
// connection's choke/interest bookkeeping
func (p *Peer) Send(msg Message) error {
	var op errors.Op = "peer.Send"

	p.mu.Lock()
	switch msg.(type) {
	case UnchokeMessage:
		p.choked = false
	case ChokeMessage:
		p.choked = true
	case InterestedMessage:
		p.interesting = true
	case NotInterestedMessage:
		p.interesting = false
	}
	p.mu.Unlock()

	data := msg.Bytes()
	if data == nil {
		return errors.Wrap(errors.New("message not serializable"), op, errors.BadArgument)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	p.lastSent = time.Now()
	p.mu.Unlock()

	p.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if _, err := p.Conn.Write(data); err != nil {
		p.Close()
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}

// SendExtended sends an extended message using the code the
// peer advertised for name. Returns false without error if
// the peer does not support the extension.
func (p *Peer) SendExtended(name string, build func(code byte) Message) (bool, error) {
	code, ok := p.Extensions.Code(name)
	if !ok {
		return false, nil
	}

	return true, p.Send(build(code))
}

func (p *Peer) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return time.Since(p.lastReceived) > idleTimeout
}

// Init completes the inbound half of the handshake: it reads
// the remote handshake message and moves the connection to
// Ready. The info hash is left for the caller to verify
// against its registered torrents.
func (p *Peer) Init() error {
	var op errors.Op = "peer.Init"

	p.setState(StateHandshaking)

	var msg HandshakeMessage
	if err := UnmarshalHandshake(p.Conn, &msg); err != nil {
		p.Close()
		return errors.Wrap(err, op)
	}

	if msg.PStr != "BitTorrent protocol" {
		p.Close()
		return errors.Wrap(errors.Newf("unknown protocol %q", msg.PStr), op, errors.BadArgument)
	}

	p.Extensions = NewExtensions(msg.Reserved)
	p.ID = msg.PeerID[:]
	p.InfoHash = msg.InfoHash
	p.setState(StateReady)

	return nil
}

// Listen reads messages until the connection closes, doing
// per-connection bookkeeping before forwarding each message
// on p.Msg. Closes p.Msg on exit.
func (p *Peer) Listen(ctx context.Context) {
	defer close(p.Msg)
	defer p.Close()

	go p.keepAlive(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := UnmarshalMessage(p.Conn)
		if err != nil {
			return
		}

		p.touchReceived()

		switch v := msg.(type) {
		case KeepAliveMessage:
			continue
		case HaveMessage:
			p.markPiece(int(v.Index), true)
		case DontHaveMessage:
			p.markPiece(int(v.Index), false)
		case BitFieldMessage:
			p.setField(v.BitField)
		case ChokeMessage:
			p.setBlocking(true)
		case UnchokeMessage:
			p.setBlocking(false)
		case InterestedMessage:
			p.setInterested(true)
		case NotInterestedMessage:
			p.setInterested(false)
		case PieceMessage:
			p.addDownloaded(int64(len(v.Data)))
		case RequestMessage:
			p.pushRequest(v)
		case CancelMessage:
			p.dropRequest(RequestMessage{Index: v.Index, Offset: v.Offset, Length: v.Length})
		case *ExtHandshakeMsg:
			p.recordExtensions(v)
		}

		select {
		case p.Msg <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Peer) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Closed() {
				return
			}

			if p.Idle() {
				p.Close()
				return
			}

			p.Send(KeepAliveMessage{})
		}
	}
}

func (p *Peer) recordExtensions(msg *ExtHandshakeMsg) {
	for _, name := range []string{ExtMeta, ExtPex, ExtDontHave, ExtHolepunch} {
		if code, ok := msg.M().GetInteger(name); ok {
			p.Extensions.SetCode(name, byte(code))
		}
	}
}

func (p *Peer) pushRequest(req RequestMessage) {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	p.remoteRequests = append(p.remoteRequests, req)
}

func (p *Peer) dropRequest(req RequestMessage) {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	for i, r := range p.remoteRequests {
		if r.Index == req.Index && r.Offset == req.Offset {
			p.remoteRequests = append(p.remoteRequests[:i], p.remoteRequests[i+1:]...)
			return
		}
	}
}

// ServeRequest marks a remote request as served and updates
// the upload counter
func (p *Peer) ServeRequest(req RequestMessage, data []byte) error {
	err := p.Send(PieceMessage{Index: req.Index, Offset: req.Offset, Data: data})
	if err != nil {
		return err
	}

	p.addUploaded(int64(len(data)))
	p.dropRequest(req)

	return nil
}

// RemoteRequests returns a snapshot of the requests the
// remote peer is waiting on
func (p *Peer) RemoteRequests() []RequestMessage {
	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	out := make([]RequestMessage, len(p.remoteRequests))
	copy(out, p.remoteRequests)

	return out
}
