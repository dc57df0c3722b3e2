package dht

import (
	"encoding/binary"
	"net"

	"github.com/namvu9/bencode"

	"streambit/internal/errors"
)

// KRPC message kinds ("y" key)
const (
	kindQuery    = "q"
	kindResponse = "r"
	kindError    = "e"
)

// queryMsg is an outgoing KRPC query
type queryMsg struct {
	TxID   string
	Method string
	Args   *bencode.Dictionary
}

func (q queryMsg) bytes() ([]byte, error) {
	var d bencode.Dictionary

	d.SetStringKey("t", bencode.Bytes(q.TxID))
	d.SetStringKey("y", bencode.Bytes(kindQuery))
	d.SetStringKey("q", bencode.Bytes(q.Method))
	d.SetStringKey("a", q.Args)

	return bencode.Marshal(&d)
}

// responseMsg is a decoded KRPC reply, either a response
// dict or an error
type responseMsg struct {
	TxID string
	Resp *bencode.Dictionary
	Err  error
}

func unmarshalKRPC(data []byte) (*responseMsg, error) {
	var op errors.Op = "dht.unmarshalKRPC"

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	txID, ok := d.GetBytes("t")
	if !ok {
		return nil, errors.Wrap(errors.New("krpc message without transaction id"), op, errors.BadArgument)
	}

	msg := &responseMsg{TxID: string(txID)}

	kind, ok := d.GetBytes("y")
	if !ok {
		return nil, errors.Wrap(errors.New("krpc message without kind"), op, errors.BadArgument)
	}

	switch string(kind) {
	case kindResponse:
		resp, ok := d.GetDict("r")
		if !ok {
			return nil, errors.Wrap(errors.New("krpc response without payload"), op, errors.BadArgument)
		}
		msg.Resp = resp
	case kindError:
		msg.Err = errors.New("krpc error")
		if list, ok := d.GetList("e"); ok && len(list) >= 2 {
			if text, ok := list[1].(bencode.Bytes); ok {
				msg.Err = errors.Newf("krpc error: %s", text)
			}
		}
	case kindQuery:
		// Incoming queries are not served; we are a client
		// only. The caller drops them.
		return nil, nil
	default:
		return nil, errors.Wrap(errors.Newf("unknown krpc kind %q", kind), op, errors.BadArgument)
	}

	return msg, nil
}

// nodeInfo is one entry of a compact node list: a node id
// followed by an IPv4 address and port
type nodeInfo struct {
	id   [20]byte
	addr *net.UDPAddr
}

const compactNodeLen = 26

func parseCompactNodes(data []byte) []nodeInfo {
	var out []nodeInfo

	for len(data) >= compactNodeLen {
		var n nodeInfo
		copy(n.id[:], data[:20])

		ip := make(net.IP, 4)
		copy(ip, data[20:24])

		n.addr = &net.UDPAddr{
			IP:   ip,
			Port: int(binary.BigEndian.Uint16(data[24:26])),
		}

		out = append(out, n)
		data = data[compactNodeLen:]
	}

	return out
}

func formatCompactNodes(nodes []nodeInfo) []byte {
	var out []byte

	for _, n := range nodes {
		ip4 := n.addr.IP.To4()
		if ip4 == nil {
			continue
		}

		out = append(out, n.id[:]...)
		out = append(out, ip4...)

		var port [2]byte
		binary.BigEndian.PutUint16(port[:], uint16(n.addr.Port))
		out = append(out, port[:]...)
	}

	return out
}
