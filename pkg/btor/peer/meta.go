package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"

	"github.com/namvu9/bencode"
	"streambit/internal/errors"
)

// Metadata exchange (BEP-9): the info dictionary is served
// in 16 KiB pieces over the extension protocol, allowing a
// magnet-link torrent to resolve its metadata from the swarm.

const (
	metaRequest = 0
	metaData    = 1
	metaReject  = 2
)

const metaPieceSize = 16 * 1024

// ErrMetadataTimeout indicates that no peer supplied the
// full metadata within the allotted window
var ErrMetadataTimeout = errors.New("metadata exchange timed out")

// MetaRequestMessage asks a peer for one metadata piece.
// Code is the peer's advertised ut_metadata message code.
type MetaRequestMessage struct {
	Piece int
	Code  byte
}

func (msg MetaRequestMessage) Bytes() []byte {
	var buf bytes.Buffer

	var d bencode.Dictionary
	d.SetStringKey("msg_type", bencode.Integer(metaRequest))
	d.SetStringKey("piece", bencode.Integer(msg.Piece))

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

// MetaPieceMessage carries one metadata piece
type MetaPieceMessage struct {
	Index     int
	TotalSize int
	Data      []byte
}

func (msg *MetaPieceMessage) Bytes() []byte {
	return nil
}

// MetaRejectMessage indicates the peer will not serve the
// requested metadata piece
type MetaRejectMessage struct {
	Index int
}

func (msg MetaRejectMessage) Bytes() []byte {
	return nil
}

func unmarshalMetaMsg(data []byte) (Message, error) {
	var op errors.Op = "peer.unmarshalMetaMsg"

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.BadArgument)
	}

	msgType, ok := d.GetInteger("msg_type")
	if !ok {
		return nil, errors.Wrap(errors.New("metadata message has no msg_type"), op, errors.BadArgument)
	}

	index, _ := d.GetInteger("piece")

	switch msgType {
	case metaData:
		total, _ := d.GetInteger("total_size")
		return &MetaPieceMessage{
			Index:     int(index),
			TotalSize: int(total),
			Data:      data[d.Size():],
		}, nil
	case metaReject:
		return MetaRejectMessage{Index: int(index)}, nil
	default:
		return MetaRejectMessage{Index: int(index)}, nil
	}
}

// FetchMetadata resolves a magnet link's info dictionary
// from the given peers. Every candidate peer is dialed,
// peers advertising ut_metadata are asked for the pieces,
// and the reassembled blob is verified against infoHash. A
// peer whose blob fails verification is disconnected and not
// retried; the next peer is tried instead. Fails with
// ErrMetadataTimeout when ctx expires before any peer
// delivers valid metadata.
func FetchMetadata(ctx context.Context, infoHash [20]byte, addrs []net.Addr, cfg DialConfig) (*bencode.Dictionary, error) {
	var op errors.Op = "peer.FetchMetadata"

	if len(addrs) == 0 {
		return nil, errors.Wrap(errors.New("no candidate peers"), op, errors.BadArgument)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	res := make(chan *bencode.Dictionary, 1)

	conns := DialMany(ctx, addrs, 30, cfg)

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ErrMetadataTimeout, op, errors.Network)
		case info := <-res:
			return info, nil
		case p, ok := <-conns:
			if !ok {
				conns = nil // all dials done; wait on ctx
				continue
			}

			if !p.Extensions.IsEnabled(ExtProtocol) {
				p.Close()
				continue
			}

			go fetchFromPeer(ctx, p, infoHash, res)
		}
	}
}

func fetchFromPeer(ctx context.Context, p *Peer, infoHash [20]byte, res chan<- *bencode.Dictionary) {
	defer p.Close()

	if err := p.Send(NewExtHandshake()); err != nil {
		return
	}

	code, size, ok := awaitMetaHandshake(ctx, p)
	if !ok {
		return
	}

	data, err := fetchPieces(ctx, p, code, size)
	if err != nil {
		return
	}

	// Verify before trusting: a peer serving a blob whose
	// hash does not match is dropped, never retried
	hash := sha1.Sum(data)
	if !bytes.Equal(hash[:], infoHash[:]) {
		return
	}

	info, err := bencode.UnmarshalDict(data)
	if err != nil {
		return
	}

	select {
	case res <- info:
	default:
	}
}

func awaitMetaHandshake(ctx context.Context, p *Peer) (code byte, size int, ok bool) {
	for {
		select {
		case <-ctx.Done():
			return 0, 0, false
		case msg, open := <-p.Msg:
			if !open {
				return 0, 0, false
			}

			hs, isHandshake := msg.(*ExtHandshakeMsg)
			if !isHandshake {
				continue
			}

			metaSize, hasSize := hs.D().GetInteger(ExtMetaSize)
			metaCode, hasCode := hs.M().GetInteger(ExtMeta)
			if !hasSize || !hasCode || metaSize <= 0 {
				return 0, 0, false
			}

			return byte(metaCode), int(metaSize), true
		}
	}
}

func fetchPieces(ctx context.Context, p *Peer, code byte, size int) ([]byte, error) {
	var op errors.Op = "peer.fetchPieces"

	nPieces := size / metaPieceSize
	if size%metaPieceSize != 0 {
		nPieces++
	}

	for i := 0; i < nPieces; i++ {
		if err := p.Send(MetaRequestMessage{Piece: i, Code: code}); err != nil {
			return nil, errors.Wrap(err, op, errors.Network)
		}
	}

	var (
		pieces   = make([][]byte, nPieces)
		received int
	)

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), op, errors.Network)
		case msg, open := <-p.Msg:
			if !open {
				return nil, errors.Wrap(errors.New("connection closed"), op, errors.Network)
			}

			switch v := msg.(type) {
			case *MetaPieceMessage:
				if v.Index < 0 || v.Index >= nPieces || pieces[v.Index] != nil {
					continue
				}

				pieces[v.Index] = v.Data
				received++

				if received == nPieces {
					blob := bytes.Join(pieces, nil)
					if len(blob) != size {
						return nil, errors.Wrap(errors.Newf("metadata size: want %d got %d", size, len(blob)), op)
					}

					return blob, nil
				}
			case MetaRejectMessage:
				return nil, errors.Wrap(errors.Newf("peer rejected metadata piece %d", v.Index), op, errors.Network)
			}
		}
	}
}
