package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"streambit/internal/errors"
)

const udpProtocolID uint64 = 0x41727101980

const udpTimeout = 5 * time.Second

// maxRetryInterval caps the failure backoff; a tracker that
// keeps failing is still retried at least hourly
const maxRetryInterval = time.Hour

// retryInterval doubles per consecutive failure, starting at
// 15s and saturating at maxRetryInterval
func retryInterval(failures int) time.Duration {
	backoff := time.Duration(15*math.Pow(2.0, float64(failures))) * time.Second
	if backoff <= 0 || backoff > maxRetryInterval {
		return maxRetryInterval
	}

	return backoff
}

// UDPTracker speaks the BEP-15 UDP tracker protocol: a
// connect round-trip yields a connection ID that
// authenticates the subsequent announce.
type UDPTracker struct {
	*url.URL

	mu           sync.Mutex
	lastAnnounce time.Time
	interval     time.Duration
	seeders      int
	leechers     int
	peers        []net.Addr
	err          error
	failures     int
}

func NewUDPTracker(u *url.URL) *UDPTracker {
	return &UDPTracker{URL: u}
}

func (tr *UDPTracker) Err() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.err
}

func (tr *UDPTracker) Stat() Stat {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return Stat{
		Url:          tr.URL,
		Peers:        tr.peers,
		Seeders:      tr.seeders,
		Leechers:     tr.leechers,
		NextAnnounce: tr.lastAnnounce.Add(tr.interval),
		Err:          tr.err,
	}
}

func (tr *UDPTracker) ShouldAnnounce() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return !time.Now().Before(tr.lastAnnounce.Add(tr.interval))
}

func (tr *UDPTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	var op errors.Op = "tracker.UDPTracker.Announce"

	connID, err := tr.connect(ctx)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op)
	}

	conn, err := dialUDP(ctx, tr.URL.Host)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.Network)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(udpTimeout))

	ureq := udpAnnounceReq{
		ConnID:  connID,
		Action:  ANNOUNCE,
		TxID:    rand.Uint32(),
		Request: req,
	}

	if err := binary.Write(conn, binary.BigEndian, ureq); err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.Network)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.Network)
	}

	var res Response
	if err := unmarshalAnnounceResp(buf[:n], &res); err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op)
	}

	if res.TxID != ureq.TxID {
		err := errors.Newf("transaction id mismatch: want %d got %d", ureq.TxID, res.TxID)
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op)
	}

	tr.recordSuccess(&res)

	return &res, nil
}

func (tr *UDPTracker) recordSuccess(res *Response) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.lastAnnounce = time.Now()
	tr.interval = time.Duration(res.Interval) * time.Second
	tr.leechers = int(res.NLeechers)
	tr.seeders = int(res.NSeeders)
	tr.err = nil
	tr.failures = 0

	tr.peers = tr.peers[:0]
	for _, p := range res.Peers {
		tr.peers = append(tr.peers, p.Addr())
	}
}

// scheduleRetry backs the tracker off exponentially: 15s,
// 30s, 60s and so on, doubling per consecutive failure up to
// maxRetryInterval
func (tr *UDPTracker) scheduleRetry(e error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.err = e
	tr.lastAnnounce = time.Now()
	tr.interval = retryInterval(tr.failures)
	tr.failures++
}

func (tr *UDPTracker) connect(ctx context.Context) (uint64, error) {
	var op errors.Op = "tracker.UDPTracker.connect"

	conn, err := dialUDP(ctx, tr.URL.Host)
	if err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(udpTimeout))

	req := newConnReq()
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}

	var res ConnMessage
	if err := binary.Read(conn, binary.BigEndian, &res); err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}

	if err := validateConnection(req, res); err != nil {
		return 0, errors.Wrap(err, op)
	}

	return res.ConnID, nil
}

func dialUDP(ctx context.Context, host string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "udp", host)
}

// ConnectReq is the connect half of the UDP tracker
// handshake
type ConnectReq struct {
	ProtocolID uint64
	Action     uint32
	TxID       uint32
}

func newConnReq() ConnectReq {
	return ConnectReq{
		ProtocolID: udpProtocolID,
		Action:     CONNECT,
		TxID:       rand.Uint32(),
	}
}

type ConnMessage struct {
	Action uint32
	TxID   uint32
	ConnID uint64
}

func validateConnection(req ConnectReq, res ConnMessage) error {
	if req.TxID != res.TxID {
		return errors.Newf("transaction id mismatch: want %d got %d", req.TxID, res.TxID)
	}

	if res.Action != req.Action {
		return errors.Newf("action mismatch: want %d got %d", req.Action, res.Action)
	}

	return nil
}

type udpAnnounceReq struct {
	ConnID uint64
	Action uint32
	TxID   uint32

	Request
}

func unmarshalAnnounceResp(data []byte, v *Response) error {
	var op errors.Op = "tracker.unmarshalAnnounceResp"

	if len(data) < 8 {
		return errors.Wrap(errors.Newf("short tracker response: %d bytes", len(data)), op, errors.BadArgument)
	}

	v.Action = binary.BigEndian.Uint32(data[:4])
	v.TxID = binary.BigEndian.Uint32(data[4:8])

	if v.Action == ERROR {
		return errors.Wrap(errors.New(string(data[8:])), op, errors.Network)
	}

	if v.Action != ANNOUNCE {
		return errors.Wrap(errors.Newf("want action %d got %d", ANNOUNCE, v.Action), op, errors.BadArgument)
	}

	if len(data) < 20 {
		return errors.Wrap(errors.Newf("short announce response: %d bytes", len(data)), op, errors.BadArgument)
	}

	v.Interval = binary.BigEndian.Uint32(data[8:12])
	v.NLeechers = binary.BigEndian.Uint32(data[12:16])
	v.NSeeders = binary.BigEndian.Uint32(data[16:20])

	offset := 20
	for len(data[offset:]) >= 6 {
		ip := make(net.IP, 4)
		copy(ip, data[offset:offset+4])

		v.Peers = append(v.Peers, PeerInfo{
			IP:   ip,
			Port: binary.BigEndian.Uint16(data[offset+4 : offset+6]),
		})

		offset += 6
	}

	return nil
}

func (r *Response) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, r.Action)
	binary.Write(&buf, binary.BigEndian, r.TxID)
	binary.Write(&buf, binary.BigEndian, r.Interval)
	binary.Write(&buf, binary.BigEndian, r.NLeechers)
	binary.Write(&buf, binary.BigEndian, r.NSeeders)

	for _, peer := range r.Peers {
		buf.Write(peer.IP.To4())
		binary.Write(&buf, binary.BigEndian, peer.Port)
	}

	return buf.Bytes()
}
