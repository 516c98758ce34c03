// Package packet implements the on-wire framing for the three message
// types exchanged between peers: HandshakeInit, HandshakeResponse, and
// Data. All integer fields are little-endian.
package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/wontun-go/wontun/peername"
)

// Tag values shared by every framed message.
const (
	tagHandshakeInit     = 1
	tagHandshakeResponse = 2
	tagData              = 3
)

const (
	handshakeInitSize     = 1 + 4 + peername.Size // 105
	handshakeResponseSize = 1 + 4 + 4             // 9
	dataHeaderSize        = 1 + 4                 // 5
)

// MaxSegmentSize is the largest frame this codec will ever produce, given
// an MTU-bounded payload (1500 bytes) plus the Data header.
const MaxSegmentSize = dataHeaderSize + 1500

// Kind identifies which variant a parsed Packet holds.
type Kind int

const (
	// KindEmpty is returned for a zero-length datagram; it is not an error.
	KindEmpty Kind = iota
	KindHandshakeInit
	KindHandshakeResponse
	KindData
)

// HandshakeInit is sent by an initiator. AssignedIdx is the sender's own
// local index, advertised so the receiver knows what to stamp into the
// sender_idx field of future Data/HandshakeResponse packets addressed
// back to the sender.
type HandshakeInit struct {
	AssignedIdx uint32
	SenderName  peername.Borrowed
}

// HandshakeResponse is sent by a responder. AssignedIdx is the responder's
// own local index; SenderIdx is the initiator's local index for the
// responder (the AssignedIdx of the HandshakeInit being answered), echoed
// back so the initiator can find the responding Peer in peers_by_index.
type HandshakeResponse struct {
	AssignedIdx uint32
	SenderIdx   uint32
}

// Data carries an encapsulated inner IPv4 packet (or, as a priming packet,
// a zero-length one). SenderIdx is the receiver's own local index, as
// learned from a prior handshake, used to find the right Peer in
// peers_by_index.
type Data struct {
	SenderIdx uint32
	Payload   []byte
}

// Packet is the parsed form of one of the three wire messages, or Empty.
type Packet struct {
	Kind              Kind
	HandshakeInit     HandshakeInit
	HandshakeResponse HandshakeResponse
	Data              Data
}

// ParseError reports a malformed datagram: a tag/length combination that
// does not match any known message shape.
type ParseError struct {
	Tag byte
	Len int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("packet: protocol error, tag=%d len=%d", e.Tag, e.Len)
}

// Parse decodes buf into a Packet. An empty buf parses as KindEmpty, which
// is not an error. HandshakeInit.SenderName borrows directly from buf; the
// caller must copy it (peername.Borrowed.Owned) before buf is reused.
func Parse(buf []byte) (Packet, error) {
	if len(buf) == 0 {
		return Packet{Kind: KindEmpty}, nil
	}

	tag := buf[0]
	switch {
	case tag == tagHandshakeInit && len(buf) == handshakeInitSize:
		name, err := peername.FromBytes(buf[5:handshakeInitSize])
		if err != nil {
			return Packet{}, &ParseError{Tag: tag, Len: len(buf)}
		}
		return Packet{
			Kind: KindHandshakeInit,
			HandshakeInit: HandshakeInit{
				AssignedIdx: binary.LittleEndian.Uint32(buf[1:5]),
				SenderName:  name,
			},
		}, nil

	case tag == tagHandshakeResponse && len(buf) == handshakeResponseSize:
		return Packet{
			Kind: KindHandshakeResponse,
			HandshakeResponse: HandshakeResponse{
				AssignedIdx: binary.LittleEndian.Uint32(buf[1:5]),
				SenderIdx:   binary.LittleEndian.Uint32(buf[5:9]),
			},
		}, nil

	case tag == tagData && len(buf) >= dataHeaderSize:
		return Packet{
			Kind: KindData,
			Data: Data{
				SenderIdx: binary.LittleEndian.Uint32(buf[1:5]),
				Payload:   buf[dataHeaderSize:],
			},
		}, nil

	default:
		return Packet{}, &ParseError{Tag: tag, Len: len(buf)}
	}
}

// FormatHandshakeInit writes a HandshakeInit frame into dst and returns the
// number of bytes written. dst must be at least handshakeInitSize long.
func FormatHandshakeInit(dst []byte, assignedIdx uint32, senderName peername.Name) int {
	dst[0] = tagHandshakeInit
	binary.LittleEndian.PutUint32(dst[1:5], assignedIdx)
	copy(dst[5:handshakeInitSize], senderName[:])
	return handshakeInitSize
}

// FormatHandshakeResponse writes a HandshakeResponse frame into dst and
// returns the number of bytes written. dst must be at least
// handshakeResponseSize long.
func FormatHandshakeResponse(dst []byte, assignedIdx, senderIdx uint32) int {
	dst[0] = tagHandshakeResponse
	binary.LittleEndian.PutUint32(dst[1:5], assignedIdx)
	binary.LittleEndian.PutUint32(dst[5:9], senderIdx)
	return handshakeResponseSize
}

// FormatData writes a Data frame into dst and returns the number of bytes
// written. dst must be at least dataHeaderSize+len(payload) long.
func FormatData(dst []byte, senderIdx uint32, payload []byte) int {
	dst[0] = tagData
	binary.LittleEndian.PutUint32(dst[1:5], senderIdx)
	n := copy(dst[dataHeaderSize:], payload)
	return dataHeaderSize + n
}
