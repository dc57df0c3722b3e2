package peer

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"streambit/internal/errors"
)

// DialConfig carries everything needed to establish an
// outgoing connection for one torrent
type DialConfig struct {
	PStr       string
	InfoHash   [20]byte
	PeerID     [20]byte
	Extensions *Extensions
	NumPieces  int
	Timeout    time.Duration
}

// Dial connects to addr, performs the protocol handshake in
// both directions and returns a Ready connection. A peer
// that answers with the wrong info hash or an unknown
// protocol is closed and reported unusable via the returned
// error.
func Dial(ctx context.Context, addr net.Addr, cfg DialConfig) (*Peer, error) {
	var op errors.Op = "peer.Dial"

	conn, err := net.DialTimeout("tcp", addr.String(), cfg.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	if ctx.Err() != nil {
		conn.Close()
		return nil, errors.Wrap(ctx.Err(), op)
	}

	p := New(conn, cfg.NumPieces)

	msg := HandshakeMessage{
		PStr:     cfg.PStr,
		InfoHash: cfg.InfoHash,
		PeerID:   cfg.PeerID,
		Reserved: cfg.Extensions.ReservedBytes(),
	}

	conn.SetWriteDeadline(time.Now().Add(cfg.Timeout))
	if _, err := conn.Write(msg.Bytes()); err != nil {
		p.Close()
		return nil, errors.Wrap(err, op, errors.Network)
	}

	conn.SetReadDeadline(time.Now().Add(cfg.Timeout))
	if err := p.Init(); err != nil {
		return nil, errors.Wrap(err, op)
	}
	conn.SetReadDeadline(time.Time{})

	if !bytes.Equal(p.InfoHash[:], cfg.InfoHash[:]) {
		p.Close()
		return nil, errors.Wrap(errors.Newf("info hash mismatch from %s", addr), op, errors.BadArgument)
	}

	go p.Listen(ctx)

	// Both sides advertising BEP-10 support triggers the
	// extended handshake
	if cfg.Extensions.IsEnabled(ExtProtocol) && p.Extensions.IsEnabled(ExtProtocol) {
		if err := p.Send(NewExtHandshake()); err != nil {
			return nil, errors.Wrap(err, op, errors.Network)
		}
	}

	return p, nil
}

// Accept completes the handshake for an incoming connection
// whose opening HandshakeMessage has already been read and
// matched against a known info hash, and returns a Ready
// connection
func Accept(ctx context.Context, conn net.Conn, msg HandshakeMessage, cfg DialConfig) (*Peer, error) {
	var op errors.Op = "peer.Accept"

	reply := HandshakeMessage{
		PStr:     cfg.PStr,
		InfoHash: cfg.InfoHash,
		PeerID:   cfg.PeerID,
		Reserved: cfg.Extensions.ReservedBytes(),
	}

	conn.SetWriteDeadline(time.Now().Add(cfg.Timeout))
	if _, err := conn.Write(reply.Bytes()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, op, errors.Network)
	}
	conn.SetWriteDeadline(time.Time{})

	p := New(conn, cfg.NumPieces)
	p.Extensions = NewExtensions(msg.Reserved)
	p.ID = msg.PeerID[:]
	p.InfoHash = msg.InfoHash
	p.setState(StateReady)

	go p.Listen(ctx)

	if cfg.Extensions.IsEnabled(ExtProtocol) && p.Extensions.IsEnabled(ExtProtocol) {
		if err := p.Send(NewExtHandshake()); err != nil {
			return nil, errors.Wrap(err, op, errors.Network)
		}
	}

	return p, nil
}

// DialMany dials addrs in batches and yields the connections
// that succeed. The channel closes once every address has
// been attempted.
func DialMany(ctx context.Context, addrs []net.Addr, batchSize int, cfg DialConfig) <-chan *Peer {
	out := make(chan *Peer, len(addrs))

	go func() {
		defer close(out)

		for _, batch := range chunk(addrs, batchSize) {
			if ctx.Err() != nil {
				return
			}

			var wg sync.WaitGroup
			for _, addr := range batch {
				wg.Add(1)
				go func(addr net.Addr) {
					defer wg.Done()

					p, err := Dial(ctx, addr, cfg)
					if err != nil {
						return
					}

					select {
					case out <- p:
					case <-ctx.Done():
						p.Close()
					}
				}(addr)
			}
			wg.Wait()
		}
	}()

	return out
}

func chunk(addrs []net.Addr, size int) [][]net.Addr {
	if size <= 0 {
		size = len(addrs)
	}

	var out [][]net.Addr
	for len(addrs) > size {
		out = append(out, addrs[:size])
		addrs = addrs[size:]
	}

	if len(addrs) > 0 {
		out = append(out, addrs)
	}

	return out
}
