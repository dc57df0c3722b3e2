package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/namvu9/bencode"
)

// mockDHTNode answers get_peers queries over a loopback UDP
// socket. The first node returns closer nodes; terminal
// nodes return peer values.
type mockDHTNode struct {
	t     *testing.T
	conn  net.PacketConn
	peers []byte // compact peer values
	nodes []byte // compact node infos
}

func newMockDHTNode(t *testing.T) *mockDHTNode {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	n := &mockDHTNode{t: t, conn: conn}
	go n.listen()

	return n
}

func (m *mockDHTNode) addr() *net.UDPAddr {
	return m.conn.LocalAddr().(*net.UDPAddr)
}

func (m *mockDHTNode) listen() {
	buf := make([]byte, 2048)

	for {
		n, addr, err := m.conn.ReadFrom(buf)
		if err != nil {
			return
		}

		d, err := bencode.UnmarshalDict(buf[:n])
		if err != nil {
			continue
		}

		txID, _ := d.GetBytes("t")

		var r bencode.Dictionary
		r.SetStringKey("id", bencode.Bytes(make([]byte, 20)))

		if len(m.peers) > 0 {
			var values bencode.List
			for i := 0; i+6 <= len(m.peers); i += 6 {
				values = append(values, bencode.Bytes(m.peers[i:i+6]))
			}
			r.SetStringKey("values", values)
		}

		if len(m.nodes) > 0 {
			r.SetStringKey("nodes", bencode.Bytes(m.nodes))
		}

		var resp bencode.Dictionary
		resp.SetStringKey("t", bencode.Bytes(txID))
		resp.SetStringKey("y", bencode.Bytes("r"))
		resp.SetStringKey("r", &r)

		data, err := bencode.Marshal(&resp)
		if err != nil {
			continue
		}

		m.conn.WriteTo(data, addr)
	}
}

func compactPeer(ip net.IP, port uint16) []byte {
	out := make([]byte, 6)
	copy(out, ip.To4())
	out[4] = byte(port >> 8)
	out[5] = byte(port)

	return out
}

func TestGetPeersLookup(t *testing.T) {
	// Terminal node knows two peers
	terminal := newMockDHTNode(t)
	terminal.peers = append(
		compactPeer(net.IPv4(10, 0, 0, 1), 6881),
		compactPeer(net.IPv4(10, 0, 0, 2), 51413)...,
	)

	// Bootstrap node refers the lookup to the terminal node
	var terminalID [20]byte
	terminalID[0] = 1

	bootstrap := newMockDHTNode(t)
	bootstrap.nodes = formatCompactNodes([]nodeInfo{
		{id: terminalID, addr: terminal.addr()},
	})

	node, err := New(Config{Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var infoHash [20]byte
	infoHash[19] = 42

	var got []string
	for addr := range node.GetPeers(ctx, infoHash, []string{bootstrap.addr().String()}) {
		got = append(got, addr.String())
	}

	if len(got) != 2 {
		t.Fatalf("peers: want 2 got %d (%v)", len(got), got)
	}

	want := map[string]bool{
		"10.0.0.1:6881":  true,
		"10.0.0.2:51413": true,
	}

	for _, addr := range got {
		if !want[addr] {
			t.Errorf("unexpected peer %s", addr)
		}
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	var id [20]byte
	id[0] = 0xab

	in := []nodeInfo{
		{id: id, addr: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881}},
		{addr: &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 80}},
	}

	out := parseCompactNodes(formatCompactNodes(in))

	if len(out) != 2 {
		t.Fatalf("nodes: want 2 got %d", len(out))
	}

	if out[0].id != id {
		t.Errorf("node id: got %x", out[0].id)
	}

	if got := out[1].addr.String(); got != "5.6.7.8:80" {
		t.Errorf("node addr: got %s", got)
	}
}

func TestQueryTimeout(t *testing.T) {
	node, err := New(Config{Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	defer node.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var args bencode.Dictionary
	args.SetStringKey("id", bencode.Bytes(make([]byte, 20)))

	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	if _, err := node.query(ctx, dead, "ping", &args); err == nil {
		t.Fatal("want error querying dead node")
	}
}
