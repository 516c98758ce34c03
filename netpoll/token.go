// Package netpoll is a thin wrapper over the OS edge-triggered readiness
// facility (Linux epoll), tagging each registered descriptor with an
// opaque Token so Device.Wait can tell the TUN, the unconnected UDP
// socket, and individual peer-connected sockets apart.
package netpoll

import "fmt"

// Kind distinguishes the two sources of readiness a Device cares about.
type Kind int

const (
	// KindTun identifies the TUN interface.
	KindTun Kind = iota
	// KindSock identifies a UDP socket: the unconnected socket when ID is
	// -1, or a specific peer's connected socket when ID is its local_idx.
	KindSock
)

// Token names the source of a readiness event.
type Token struct {
	Kind Kind
	ID   int32 // meaningful only when Kind == KindSock
}

// Tun is the token registered for the TUN interface.
var Tun = Token{Kind: KindTun}

// Sock builds the token for a UDP socket. id == -1 designates the
// unconnected socket; any other value designates a peer-connected socket
// by local_idx.
func Sock(id int32) Token {
	return Token{Kind: KindSock, ID: id}
}

const (
	tunTag  = uint64(1) << 32
	sockTag = uint64(2) << 32
)

// encode packs a Token into the 64-bit value stored in the epoll event's
// data field: Tun -> 1<<32, Sock(id) -> (2<<32) | uint32(id).
func encode(t Token) uint64 {
	switch t.Kind {
	case KindTun:
		return tunTag
	case KindSock:
		return sockTag | uint64(uint32(t.ID))
	default:
		panic(fmt.Sprintf("netpoll: unknown token kind %d", t.Kind))
	}
}

// decode is the inverse of encode; it fails on any value whose top 32 bits
// don't match a known tag.
func decode(v uint64) (Token, error) {
	switch v >> 32 {
	case 1:
		return Tun, nil
	case 2:
		return Sock(int32(uint32(v))), nil
	default:
		return Token{}, fmt.Errorf("netpoll: unexpected epoll token tag %#x", v>>32)
	}
}
