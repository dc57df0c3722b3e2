package dht

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/namvu9/bencode"
	"github.com/rs/zerolog/log"

	"streambit/internal/errors"
)

// Default bootstrap nodes, queried when the routing table
// is empty
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

const (
	queryTimeout = 3 * time.Second

	// lookupAlpha nodes are queried concurrently per lookup
	// round
	lookupAlpha = 3

	// A lookup touches at most this many nodes before giving
	// up
	maxLookupNodes = 48
)

type Config struct {
	Port           uint16
	BootstrapNodes []string
}

// Node is a client-only DHT node: it performs get_peers
// lookups against the mainline DHT but does not answer
// queries or maintain a full routing table.
type Node struct {
	id   [20]byte
	conn net.PacketConn

	mu      sync.Mutex
	pending map[string]chan *responseMsg
	nextTx  uint16

	done chan struct{}
}

func New(cfg Config) (*Node, error) {
	var op errors.Op = "dht.New"

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	n := &Node{
		conn:    conn,
		pending: make(map[string]chan *responseMsg),
		done:    make(chan struct{}),
	}

	if _, err := rand.Read(n.id[:]); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, op)
	}

	go n.readLoop()

	return n, nil
}

func (n *Node) Close() error {
	close(n.done)
	return n.conn.Close()
}

// Port returns the local UDP port, advertised to peers via
// the port message
func (n *Node) Port() uint16 {
	if addr, ok := n.conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}

	return 0
}

func (n *Node) readLoop() {
	buf := make([]byte, 2048)

	for {
		count, _, err := n.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-n.done:
			default:
				log.Debug().Err(err).Msg("dht read failed")
			}
			return
		}

		msg, err := unmarshalKRPC(buf[:count])
		if err != nil || msg == nil {
			continue
		}

		n.mu.Lock()
		ch, ok := n.pending[msg.TxID]
		if ok {
			delete(n.pending, msg.TxID)
		}
		n.mu.Unlock()

		if ok {
			ch <- msg
		}
	}
}

func (n *Node) newTx() (string, chan *responseMsg) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextTx++
	txID := string([]byte{byte(n.nextTx >> 8), byte(n.nextTx)})

	ch := make(chan *responseMsg, 1)
	n.pending[txID] = ch

	return txID, ch
}

func (n *Node) dropTx(txID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.pending, txID)
}

func (n *Node) query(ctx context.Context, addr net.Addr, method string, args *bencode.Dictionary) (*bencode.Dictionary, error) {
	var op errors.Op = "dht.Node.query"

	txID, ch := n.newTx()

	data, err := queryMsg{TxID: txID, Method: method, Args: args}.bytes()
	if err != nil {
		n.dropTx(txID)
		return nil, errors.Wrap(err, op)
	}

	if _, err := n.conn.WriteTo(data, addr); err != nil {
		n.dropTx(txID)
		return nil, errors.Wrap(err, op, errors.Network)
	}

	timer := time.NewTimer(queryTimeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		if msg.Err != nil {
			return nil, errors.Wrap(msg.Err, op)
		}
		return msg.Resp, nil
	case <-timer.C:
		n.dropTx(txID)
		return nil, errors.Wrap(errors.Newf("query %s to %s timed out", method, addr), op, errors.Network)
	case <-ctx.Done():
		n.dropTx(txID)
		return nil, errors.Wrap(ctx.Err(), op)
	}
}

func (n *Node) getPeers(ctx context.Context, addr net.Addr, infoHash [20]byte) ([]*net.TCPAddr, []nodeInfo, error) {
	var args bencode.Dictionary
	args.SetStringKey("id", bencode.Bytes(n.id[:]))
	args.SetStringKey("info_hash", bencode.Bytes(infoHash[:]))

	resp, err := n.query(ctx, addr, "get_peers", &args)
	if err != nil {
		return nil, nil, err
	}

	var peers []*net.TCPAddr
	if values, ok := resp.GetList("values"); ok {
		for _, v := range values {
			raw, ok := v.(bencode.Bytes)
			if !ok || len(raw) != 6 {
				continue
			}

			ip := make(net.IP, 4)
			copy(ip, raw[:4])
			peers = append(peers, &net.TCPAddr{
				IP:   ip,
				Port: int(raw[4])<<8 | int(raw[5]),
			})
		}
	}

	var nodes []nodeInfo
	if raw, ok := resp.GetBytes("nodes"); ok {
		nodes = parseCompactNodes(raw)
	}

	return peers, nodes, nil
}

// GetPeers performs an iterative get_peers lookup for
// infoHash and streams discovered peer addresses. The
// channel closes when the lookup converges, exhausts its
// node budget or ctx expires.
func (n *Node) GetPeers(ctx context.Context, infoHash [20]byte, bootstrap []string) <-chan *net.TCPAddr {
	out := make(chan *net.TCPAddr, 64)

	if len(bootstrap) == 0 {
		bootstrap = DefaultBootstrapNodes
	}

	go func() {
		defer close(out)

		frontier := resolveBootstrap(bootstrap)
		visited := make(map[string]bool)
		seen := make(map[string]bool)
		queried := 0

		for len(frontier) > 0 && queried < maxLookupNodes {
			if ctx.Err() != nil {
				return
			}

			sortByDistance(frontier, infoHash)

			batch := frontier
			if len(batch) > lookupAlpha {
				batch = batch[:lookupAlpha]
			}
			frontier = frontier[len(batch):]

			var wg sync.WaitGroup
			var mu sync.Mutex

			for _, node := range batch {
				key := node.addr.String()
				if visited[key] {
					continue
				}
				visited[key] = true
				queried++

				wg.Add(1)
				go func(addr *net.UDPAddr) {
					defer wg.Done()

					peers, nodes, err := n.getPeers(ctx, addr, infoHash)
					if err != nil {
						return
					}

					for _, p := range peers {
						mu.Lock()
						dup := seen[p.String()]
						seen[p.String()] = true
						mu.Unlock()

						if dup {
							continue
						}

						select {
						case out <- p:
						case <-ctx.Done():
							return
						}
					}

					mu.Lock()
					for _, node := range nodes {
						if !visited[node.addr.String()] {
							frontier = append(frontier, node)
						}
					}
					mu.Unlock()
				}(node.addr)
			}

			wg.Wait()
		}
	}()

	return out
}

func resolveBootstrap(hosts []string) []nodeInfo {
	var out []nodeInfo

	for _, host := range hosts {
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			continue
		}

		out = append(out, nodeInfo{addr: addr})
	}

	return out
}

// sortByDistance orders nodes by XOR distance to the target,
// closest first. Bootstrap nodes carry a zero id and sort
// last.
func sortByDistance(nodes []nodeInfo, target [20]byte) {
	sort.SliceStable(nodes, func(i, j int) bool {
		var zero [20]byte
		if nodes[i].id == zero {
			return false
		}
		if nodes[j].id == zero {
			return true
		}

		di := distance(nodes[i].id, target)
		dj := distance(nodes[j].id, target)

		return bytes.Compare(di[:], dj[:]) < 0
	})
}

func distance(a, b [20]byte) [20]byte {
	var out [20]byte
	for i := range a {
		out[i] = a[i] ^ b[i]
	}

	return out
}
