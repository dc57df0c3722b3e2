package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"streambit/pkg/btor/peer"
)

const handshakeTimeout = 10 * time.Second

// peerListener accepts incoming peer connections and routes
// them to the registered torrent matching the handshake's
// info hash
type peerListener struct {
	session *Session
	ln      net.Listener
}

func newPeerListener(s *Session, ip string, port uint16) (*peerListener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, err
	}

	return &peerListener{session: s, ln: ln}, nil
}

func (l *peerListener) close() error {
	return l.ln.Close()
}

// port returns the port actually bound, which differs from
// the requested one when the OS picked it
func (l *peerListener) port() uint16 {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}

	return 0
}

func (l *peerListener) serve(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}

		go l.accept(ctx, conn)
	}
}

func (l *peerListener) accept(ctx context.Context, conn net.Conn) {
	s := l.session

	release, ok := s.acquireConn(ctx)
	if !ok {
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var msg peer.HandshakeMessage
	if err := peer.UnmarshalHandshake(conn, &msg); err != nil {
		release()
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Time{})

	t, found := s.Get(msg.InfoHash)
	if !found {
		s.logger.Debug().Str("hash", fmt.Sprintf("%x", msg.InfoHash)).Msg("handshake for unknown torrent")
		release()
		conn.Close()
		return
	}

	ext := peer.NewExtensions([8]byte{})
	ext.Enable(peer.ExtProtocol)
	ext.Enable(peer.ExtDHT)

	p, err := peer.Accept(ctx, conn, msg, peer.DialConfig{
		PStr:       "BitTorrent protocol",
		InfoHash:   msg.InfoHash,
		PeerID:     s.peerID,
		Extensions: ext,
		NumPieces:  t.NumPieces(),
		Timeout:    handshakeTimeout,
	})
	if err != nil {
		release()
		return
	}

	// The connection's budget slot is held until it closes
	p.OnClose(func(*peer.Peer) { release() })

	t.AddPeer(ctx, p)
}
