package peer

import (
	"bytes"
	"encoding/binary"
	"io"

	"streambit/internal/errors"
)

// BitTorrent wire message types
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	BitField      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
	Port          byte = 9
	Extended      byte = 20
)

// maxMessageLen bounds a single framed message. The largest
// legitimate payloads are 16 KiB blocks and bitfields of
// very large torrents.
const maxMessageLen = 256 * 1024

type Message interface {
	Bytes() []byte
}

type HandshakeMessage struct {
	PStr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (m HandshakeMessage) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(len(m.PStr)))
	buf.WriteString(m.PStr)
	buf.Write(m.Reserved[:])
	buf.Write(m.InfoHash[:])
	buf.Write(m.PeerID[:])

	return buf.Bytes()
}

type KeepAliveMessage struct{}

func (m KeepAliveMessage) Bytes() []byte {
	return []byte{0, 0, 0, 0}
}

type ChokeMessage struct{}

func (m ChokeMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Choke}
}

type UnchokeMessage struct{}

func (m UnchokeMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Unchoke}
}

type InterestedMessage struct{}

func (m InterestedMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, Interested}
}

type NotInterestedMessage struct{}

func (m NotInterestedMessage) Bytes() []byte {
	return []byte{0, 0, 0, 1, NotInterested}
}

// HaveMessage announces that the sender has downloaded and
// verified the piece at Index
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(5))
	buf.WriteByte(Have)
	binary.Write(&buf, binary.BigEndian, m.Index)

	return buf.Bytes()
}

// BitFieldMessage is only ever sent as the first message
// after the handshake. Spare bits beyond the piece count
// must be zero.
type BitFieldMessage struct {
	BitField []byte
}

func (m BitFieldMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(len(m.BitField)+1))
	buf.WriteByte(BitField)
	buf.Write(m.BitField)

	return buf.Bytes()
}

// RequestMessage asks for Length bytes of piece Index
// starting at byte Offset within the piece. All current
// implementations use 16 KiB blocks.
type RequestMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m RequestMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(13))
	buf.WriteByte(Request)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	binary.Write(&buf, binary.BigEndian, m.Length)

	return buf.Bytes()
}

// PieceMessage carries one block of piece data
type PieceMessage struct {
	Index  uint32
	Offset uint32
	Data   []byte
}

func (m PieceMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(len(m.Data)+9))
	buf.WriteByte(Piece)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	buf.Write(m.Data)

	return buf.Bytes()
}

// CancelMessage withdraws an earlier request; payload is
// identical to RequestMessage
type CancelMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m CancelMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(13))
	buf.WriteByte(Cancel)
	binary.Write(&buf, binary.BigEndian, m.Index)
	binary.Write(&buf, binary.BigEndian, m.Offset)
	binary.Write(&buf, binary.BigEndian, m.Length)

	return buf.Bytes()
}

// PortMessage advertises the sender's DHT node port (BEP-5)
type PortMessage struct {
	Port uint16
}

func (m PortMessage) Bytes() []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int32(3))
	buf.WriteByte(Port)
	binary.Write(&buf, binary.BigEndian, m.Port)

	return buf.Bytes()
}

func UnmarshalHandshake(r io.Reader, msg *HandshakeMessage) error {
	var op errors.Op = "peer.UnmarshalHandshake"

	buf := make([]byte, 68)
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	pStrLen := int(buf[0])
	if pStrLen != 19 {
		return errors.Wrap(errors.Newf("unexpected protocol string length %d", pStrLen), op, errors.BadArgument)
	}

	msg.PStr = string(buf[1:20])
	copy(msg.Reserved[:], buf[20:28])
	copy(msg.InfoHash[:], buf[28:48])
	copy(msg.PeerID[:], buf[48:68])

	return nil
}

// UnmarshalMessage reads one length-prefixed message from r
func UnmarshalMessage(r io.Reader) (Message, error) {
	var op errors.Op = "peer.UnmarshalMessage"

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	messageLength := binary.BigEndian.Uint32(lenBuf)
	if messageLength == 0 {
		return KeepAliveMessage{}, nil
	}

	if messageLength > maxMessageLen {
		return nil, errors.Wrap(errors.Newf("message of length %d exceeds limit", messageLength), op, errors.BadArgument)
	}

	buf := make([]byte, messageLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	var (
		messageType = buf[0]
		payload     = buf[1:]
	)

	switch messageType {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		return unmarshalHaveMessage(payload)
	case BitField:
		return BitFieldMessage{BitField: payload}, nil
	case Request:
		return unmarshalRequestMessage(payload)
	case Piece:
		return unmarshalPieceMessage(payload)
	case Cancel:
		return unmarshalCancelMessage(payload)
	case Port:
		return unmarshalPortMessage(payload)
	case Extended:
		return UnmarshalExtMessage(payload)
	default:
		// Unknown message types are skipped rather than
		// treated as a protocol violation
		return KeepAliveMessage{}, nil
	}
}

func unmarshalHaveMessage(data []byte) (HaveMessage, error) {
	var msg HaveMessage

	if len(data) != 4 {
		return msg, errors.Wrap(errors.Newf("have payload: want 4 bytes got %d", len(data)), errors.BadArgument)
	}

	msg.Index = binary.BigEndian.Uint32(data)

	return msg, nil
}

func unmarshalRequestMessage(data []byte) (RequestMessage, error) {
	var msg RequestMessage

	if len(data) != 12 {
		return msg, errors.Wrap(errors.Newf("request payload: want 12 bytes got %d", len(data)), errors.BadArgument)
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Length = binary.BigEndian.Uint32(data[8:12])

	return msg, nil
}

func unmarshalPieceMessage(data []byte) (PieceMessage, error) {
	var msg PieceMessage

	if len(data) < 8 {
		return msg, errors.Wrap(errors.Newf("piece payload: want at least 8 bytes got %d", len(data)), errors.BadArgument)
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Data = data[8:]

	return msg, nil
}

func unmarshalCancelMessage(data []byte) (CancelMessage, error) {
	var msg CancelMessage

	if len(data) != 12 {
		return msg, errors.Wrap(errors.Newf("cancel payload: want 12 bytes got %d", len(data)), errors.BadArgument)
	}

	msg.Index = binary.BigEndian.Uint32(data[:4])
	msg.Offset = binary.BigEndian.Uint32(data[4:8])
	msg.Length = binary.BigEndian.Uint32(data[8:12])

	return msg, nil
}

func unmarshalPortMessage(data []byte) (PortMessage, error) {
	var msg PortMessage

	if len(data) != 2 {
		return msg, errors.Wrap(errors.Newf("port payload: want 2 bytes got %d", len(data)), errors.BadArgument)
	}

	msg.Port = binary.BigEndian.Uint16(data)

	return msg, nil
}
