package peer

import (
	"bytes"
	"encoding/binary"

	"github.com/namvu9/bencode"
	"streambit/internal/errors"
)

// This file implements the extension negotiation protocol
// defined in BEP-10. Each side of a connection assigns its
// own message IDs to the extensions it supports and
// announces them in the extended handshake; incoming
// extended messages therefore carry our local codes while
// outgoing ones must use the codes the peer advertised.

const extCodeHandshake = 0

// Local extension message codes advertised to peers
const (
	ExtCodeMeta      byte = 2
	ExtCodePex       byte = 3
	ExtCodeDontHave  byte = 4
	ExtCodeHolepunch byte = 5
)

// Extension names defined by their BEPs
const (
	ExtMeta      = "ut_metadata"
	ExtMetaSize  = "metadata_size"
	ExtPex       = "ut_pex"
	ExtDontHave  = "lt_donthave"
	ExtHolepunch = "ut_holepunch"
)

type extDecoder func(data []byte) (Message, error)

// extDecoders is the dispatch registry for incoming extended
// messages, keyed by our local message codes
var extDecoders = map[byte]extDecoder{
	ExtCodeMeta:      unmarshalMetaMsg,
	ExtCodePex:       unmarshalPexMsg,
	ExtCodeDontHave:  unmarshalDontHaveMsg,
	ExtCodeHolepunch: unmarshalHolepunchMsg,
}

// ExtHandshakeMsg is the extended handshake defined in
// BEP-10, used to negotiate protocol extensions with a peer
type ExtHandshakeMsg struct {
	d bencode.Dictionary
}

// NewExtHandshake builds the handshake advertising our local
// extension codes
func NewExtHandshake() *ExtHandshakeMsg {
	var msg ExtHandshakeMsg

	m := msg.M()
	m.SetStringKey(ExtMeta, bencode.Integer(ExtCodeMeta))
	m.SetStringKey(ExtPex, bencode.Integer(ExtCodePex))
	m.SetStringKey(ExtDontHave, bencode.Integer(ExtCodeDontHave))
	m.SetStringKey(ExtHolepunch, bencode.Integer(ExtCodeHolepunch))

	return &msg
}

// M returns the dictionary mapping extension names to the
// sender's message codes. The mapping is local to each peer.
func (msg *ExtHandshakeMsg) M() *bencode.Dictionary {
	m, ok := msg.d.GetDict("m")
	if !ok {
		m = &bencode.Dictionary{}
		msg.d.SetStringKey("m", m)
	}

	return m
}

// D returns the top-level payload dictionary
func (msg *ExtHandshakeMsg) D() *bencode.Dictionary {
	return &msg.d
}

func (msg *ExtHandshakeMsg) Bytes() []byte {
	var buf bytes.Buffer

	payload, _ := bencode.Marshal(&msg.d)

	binary.Write(&buf, binary.BigEndian, uint32(len(payload)+2))
	buf.WriteByte(Extended)
	buf.WriteByte(extCodeHandshake)
	buf.Write(payload)

	return buf.Bytes()
}

// UnknownExtMessage is returned for extended messages with a
// code we never advertised; they are ignored rather than
// treated as an error
type UnknownExtMessage struct {
	Code byte
}

func (msg UnknownExtMessage) Bytes() []byte {
	return nil
}

func UnmarshalExtMessage(data []byte) (Message, error) {
	var op errors.Op = "peer.UnmarshalExtMessage"

	if len(data) == 0 {
		return nil, errors.Wrap(errors.New("empty extended message"), op, errors.BadArgument)
	}

	if data[0] == extCodeHandshake {
		return unmarshalExtHandshakeMsg(data[1:])
	}

	decode, ok := extDecoders[data[0]]
	if !ok {
		return UnknownExtMessage{Code: data[0]}, nil
	}

	return decode(data[1:])
}

func unmarshalExtHandshakeMsg(data []byte) (*ExtHandshakeMsg, error) {
	var op errors.Op = "peer.unmarshalExtHandshakeMsg"

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	var msg ExtHandshakeMsg
	msg.d = *d

	if _, ok := d.GetDict("m"); !ok {
		return nil, errors.Wrap(errors.New("extended handshake has no m dict"), op, errors.BadArgument)
	}

	return &msg, nil
}
