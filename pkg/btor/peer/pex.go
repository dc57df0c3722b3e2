package peer

import (
	"bytes"
	"encoding/binary"
	"net"

	"github.com/namvu9/bencode"
	"streambit/internal/errors"
	"streambit/pkg/btor"
)

// Peer exchange (BEP-11): connected peers periodically gossip
// the addresses of other swarm members, reducing dependence
// on trackers. This file also carries the small BEP-54
// lt_donthave and BEP-55 ut_holepunch payloads; all three
// ride on the BEP-10 extension protocol.

// PexMessage lists peers added to and dropped from the
// sender's swarm view since the last exchange
type PexMessage struct {
	Code    byte
	Added   []*net.TCPAddr
	Dropped []*net.TCPAddr
}

func (msg PexMessage) Bytes() []byte {
	var buf bytes.Buffer

	var d bencode.Dictionary
	d.SetStringKey("added", bencode.Bytes(btor.FormatCompactPeers(msg.Added)))
	d.SetStringKey("dropped", bencode.Bytes(btor.FormatCompactPeers(msg.Dropped)))

	payload, err := bencode.Marshal(&d)
	if err != nil {
		return buf.Bytes()
	}

	binary.Write(&buf, binary.BigEndian, uint32(len(payload)+2))
	buf.WriteByte(Extended)
	buf.WriteByte(msg.Code)
	buf.Write(payload)

	return buf.Bytes()
}

func unmarshalPexMsg(data []byte) (Message, error) {
	var op errors.Op = "peer.unmarshalPexMsg"

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	var msg PexMessage

	if added, ok := d.GetBytes("added"); ok {
		msg.Added = btor.ParseCompactPeers(added)
	}

	if dropped, ok := d.GetBytes("dropped"); ok {
		msg.Dropped = btor.ParseCompactPeers(dropped)
	}

	return msg, nil
}

// DontHaveMessage (BEP-54) retracts a piece previously
// announced via have or bitfield, correcting stale swarm
// views
type DontHaveMessage struct {
	Code  byte
	Index uint32
}

func (msg DontHaveMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, uint32(6))
	buf.WriteByte(Extended)
	buf.WriteByte(msg.Code)
	binary.Write(&buf, binary.BigEndian, msg.Index)

	return buf.Bytes()
}

func unmarshalDontHaveMsg(data []byte) (Message, error) {
	if len(data) != 4 {
		return nil, errors.Wrap(errors.Newf("lt_donthave payload: want 4 bytes got %d", len(data)), errors.BadArgument)
	}

	return DontHaveMessage{Index: binary.BigEndian.Uint32(data)}, nil
}

// Holepunch message types (BEP-55)
const (
	HolepunchRendezvous byte = 0
	HolepunchConnect    byte = 1
	HolepunchError      byte = 2
)

// HolepunchMessage (BEP-55) relays NAT traversal rendezvous
// requests through a mutually connected peer
type HolepunchMessage struct {
	Code    byte
	Type    byte
	Addr    net.IP
	Port    uint16
	ErrCode uint32
}

func (msg HolepunchMessage) Bytes() []byte {
	var buf bytes.Buffer

	ip4 := msg.Addr.To4()
	if ip4 == nil {
		return nil
	}

	binary.Write(&buf, binary.BigEndian, uint32(14))
	buf.WriteByte(Extended)
	buf.WriteByte(msg.Code)
	buf.WriteByte(msg.Type)
	buf.WriteByte(0) // addr type: IPv4
	buf.Write(ip4)
	binary.Write(&buf, binary.BigEndian, msg.Port)
	binary.Write(&buf, binary.BigEndian, msg.ErrCode)

	return buf.Bytes()
}

func unmarshalHolepunchMsg(data []byte) (Message, error) {
	var op errors.Op = "peer.unmarshalHolepunchMsg"

	if len(data) < 12 {
		return nil, errors.Wrap(errors.Newf("ut_holepunch payload: want at least 12 bytes got %d", len(data)), op, errors.BadArgument)
	}

	msg := HolepunchMessage{
		Type: data[0],
	}

	addrType := data[1]
	if addrType != 0 {
		// IPv6 rendezvous is not supported; callers treat the
		// message as unusable
		return UnknownExtMessage{}, nil
	}

	msg.Addr = net.IPv4(data[2], data[3], data[4], data[5])
	msg.Port = binary.BigEndian.Uint16(data[6:8])
	msg.ErrCode = binary.BigEndian.Uint32(data[8:12])

	return msg, nil
}
