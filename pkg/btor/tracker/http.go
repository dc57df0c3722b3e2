package tracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/namvu9/bencode"

	"streambit/internal/errors"
	"streambit/pkg/btor"
)

// HTTPTracker announces over plain HTTP(S) per the original
// tracker protocol. Responses are bencoded; compact peer
// lists are preferred and requested.
type HTTPTracker struct {
	*url.URL

	client *http.Client

	mu           sync.Mutex
	lastAnnounce time.Time
	interval     time.Duration
	seeders      int
	leechers     int
	peers        []net.Addr
	err          error
	failures     int
}

func NewHTTPTracker(u *url.URL) *HTTPTracker {
	return &HTTPTracker{
		URL:    u,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (tr *HTTPTracker) Err() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.err
}

func (tr *HTTPTracker) Stat() Stat {
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

func (tr *HTTPTracker) ShouldAnnounce() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return !time.Now().Before(tr.lastAnnounce.Add(tr.interval))
}

func (tr *HTTPTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	var op errors.Op = "tracker.HTTPTracker.Announce"

	u := *tr.URL
	u.RawQuery = announceQuery(req, u.Query())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	resp, err := tr.client.Do(httpReq)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.Network)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.Network)
	}

	if resp.StatusCode != http.StatusOK {
		err := errors.Newf("tracker returned %s", resp.Status)
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op, errors.Network)
	}

	res, err := unmarshalHTTPResponse(body)
	if err != nil {
		tr.scheduleRetry(err)
		return nil, errors.Wrap(err, op)
	}

	tr.recordSuccess(res)

	return res, nil
}

func (tr *HTTPTracker) recordSuccess(res *Response) {
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

func (tr *HTTPTracker) scheduleRetry(e error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.err = e
	tr.lastAnnounce = time.Now()
	tr.interval = retryInterval(tr.failures)
	tr.failures++
}

func announceQuery(req Request, q url.Values) string {
	q.Set("info_hash", string(req.Hash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	q.Set("left", strconv.FormatUint(req.Left, 10))
	q.Set("compact", "1")

	switch req.Event {
	case EventStarted:
		q.Set("event", "started")
	case EventStopped:
		q.Set("event", "stopped")
	case EventCompleted:
		q.Set("event", "completed")
	}

	if req.Want > 0 {
		q.Set("numwant", strconv.Itoa(int(req.Want)))
	}

	return q.Encode()
}

func unmarshalHTTPResponse(body []byte) (*Response, error) {
	var op errors.Op = "tracker.unmarshalHTTPResponse"

	d, err := bencode.UnmarshalDict(body)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	if reason, ok := d.GetBytes("failure reason"); ok {
		return nil, errors.Wrap(errors.New(string(reason)), op, errors.Network)
	}

	var res Response
	res.Action = ANNOUNCE

	if interval, ok := d.GetInteger("interval"); ok {
		res.Interval = uint32(interval)
	}

	if complete, ok := d.GetInteger("complete"); ok {
		res.NSeeders = uint32(complete)
	}

	if incomplete, ok := d.GetInteger("incomplete"); ok {
		res.NLeechers = uint32(incomplete)
	}

	// Compact form: 6 bytes per peer. The dictionary form is
	// a list of dicts with "ip" and "port" keys.
	if compact, ok := d.GetBytes("peers"); ok {
		for _, addr := range btor.ParseCompactPeers(compact) {
			res.Peers = append(res.Peers, PeerInfo{IP: addr.IP, Port: uint16(addr.Port)})
		}

		return &res, nil
	}

	if list, ok := d.GetList("peers"); ok {
		for _, item := range list {
			pd, ok := item.(*bencode.Dictionary)
			if !ok {
				continue
			}

			ipStr, ok := pd.GetBytes("ip")
			if !ok {
				continue
			}

			port, ok := pd.GetInteger("port")
			if !ok {
				continue
			}

			ip := net.ParseIP(string(ipStr))
			if ip == nil {
				continue
			}

			res.Peers = append(res.Peers, PeerInfo{IP: ip, Port: uint16(port)})
		}
	}

	return &res, nil
}

// MarshalHTTPResponse encodes a tracker response in the
// compact bencoded form. Used by tests and by anything that
// needs to impersonate a tracker.
func MarshalHTTPResponse(res *Response) ([]byte, error) {
	var d bencode.Dictionary

	d.SetStringKey("interval", bencode.Integer(res.Interval))
	d.SetStringKey("complete", bencode.Integer(res.NSeeders))
	d.SetStringKey("incomplete", bencode.Integer(res.NLeechers))

	var addrs []*net.TCPAddr
	for _, p := range res.Peers {
		addrs = append(addrs, p.Addr())
	}
	d.SetStringKey("peers", bencode.Bytes(btor.FormatCompactPeers(addrs)))

	return bencode.Marshal(&d)
}

func (ts Stat) String() string {
	return fmt.Sprintf("%s seeders=%d leechers=%d peers=%d next=%s",
		ts.Url, ts.Seeders, ts.Leechers, len(ts.Peers), ts.NextAnnounce.Format(time.ANSIC))
}
