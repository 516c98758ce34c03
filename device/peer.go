package device

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/wontun-go/wontun/allowedips"
	"github.com/wontun-go/wontun/packet"
	"github.com/wontun-go/wontun/peername"
)

// handshakeState is the four-state session machine each Peer walks
// through as handshakes and data flow.
type handshakeState int

const (
	handshakeNone handshakeState = iota
	handshakeSent
	handshakeReceived
	handshakeConnected
)

func (s handshakeState) String() string {
	switch s {
	case handshakeNone:
		return "None"
	case handshakeSent:
		return "HandshakeSent"
	case handshakeReceived:
		return "HandshakeReceived"
	case handshakeConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// ActionKind distinguishes what a Peer's state-machine call tells the
// caller (Device) to do next.
type ActionKind int

const (
	// ActionNone means drop / no output.
	ActionNone ActionKind = iota
	// ActionWriteNetwork means send Data on the wire, to this peer.
	ActionWriteNetwork
	// ActionWriteTun means hand Data to the TUN device, subject to the
	// source-address allow-list check the caller must still perform.
	ActionWriteTun
)

// Action is the single return type threading through SendHandshake,
// HandleIncomingPacket, and Encapsulate.
type Action struct {
	Kind ActionKind
	Data []byte
}

// Peer is the per-peer session: a handshake state machine, an endpoint,
// and the set of inner IPv4 source addresses this peer is allowed to
// originate. It is shared by reference across Device's three indices;
// none of them owns its lifetime.
type Peer struct {
	localIdx   uint32
	allowedIPs *allowedips.Table[struct{}]
	log        *Logger

	hsMu        sync.RWMutex
	hsState     handshakeState
	hsRemoteIdx uint32

	epMu   sync.RWMutex
	epAddr netip.AddrPort
	epConn *udpSocket
}

func newPeer(localIdx uint32, log *Logger) *Peer {
	return &Peer{
		localIdx:   localIdx,
		allowedIPs: allowedips.New[struct{}](),
		log:        log,
	}
}

// LocalIdx is the small integer this device assigned the peer at
// registration, carried on the wire as sender_idx/assigned_idx.
func (p *Peer) LocalIdx() uint32 { return p.localIdx }

// AddAllowedIP registers an inner IPv4 prefix this peer may originate
// packets from (and, symmetrically, that routes to this peer from the
// TUN side).
func (p *Peer) AddAllowedIP(addr netip.Addr, prefixLen uint8) error {
	_, _, err := p.allowedIPs.Insert(addr, prefixLen, struct{}{})
	return err
}

// AllowedIPs exposes the table for Device to seed its routing index from.
func (p *Peer) AllowedIPs() *allowedips.Table[struct{}] { return p.allowedIPs }

// IsAllowedIP reports whether addr falls within this peer's allowed
// source prefixes.
func (p *Peer) IsAllowedIP(addr netip.Addr) bool {
	_, ok := p.allowedIPs.Get(addr)
	return ok
}

// Endpoint returns a snapshot of the current remote address and connected
// socket, if any.
func (p *Peer) Endpoint() (addr netip.AddrPort, conn *udpSocket) {
	p.epMu.RLock()
	defer p.epMu.RUnlock()
	return p.epAddr, p.epConn
}

// SetEndpoint atomically updates the remote address. If addr is already
// current, it is a no-op returning (false, nil). Otherwise it records
// addr, takes (and returns) any existing connected socket so the caller
// can deregister and close it. This Peer never closes its own socket,
// keeping netpoll.Poll authoritative over the fd's lifetime.
func (p *Peer) SetEndpoint(addr netip.AddrPort) (changed bool, taken *udpSocket) {
	p.epMu.RLock()
	current := p.epAddr
	p.epMu.RUnlock()
	if current == addr {
		return false, nil
	}

	p.epMu.Lock()
	defer p.epMu.Unlock()
	p.epAddr = addr
	taken, p.epConn = p.epConn, nil
	return true, taken
}

// ConnectEndpoint creates a new connected socket to the current endpoint
// address and installs it. Calling this while a connection is already
// installed is a programmer error (the caller must have taken the old one
// via SetEndpoint first) and panics, mirroring the Rust source's
// `assert!(endpoint.conn.is_none())`.
func (p *Peer) ConnectEndpoint(listenPort uint16, fwmark *uint32) (*udpSocket, error) {
	p.epMu.Lock()
	defer p.epMu.Unlock()

	if p.epConn != nil {
		panic("device: ConnectEndpoint called with a connection already installed")
	}
	if !p.epAddr.IsValid() {
		panic("device: ConnectEndpoint called with no endpoint address set")
	}

	conn, err := newConnectedUDPSocket(listenPort, fwmark, p.epAddr)
	if err != nil {
		return nil, err
	}
	p.epConn = conn
	return conn, nil
}

// SendHandshake emits a HandshakeInit if this peer has never exchanged
// one and has a known endpoint address. Any other state is a no-op.
func (p *Peer) SendHandshake(selfName peername.Name, dst []byte) Action {
	p.epMu.RLock()
	hasEndpoint := p.epAddr.IsValid()
	p.epMu.RUnlock()
	if !hasEndpoint {
		return Action{Kind: ActionNone}
	}

	p.hsMu.Lock()
	defer p.hsMu.Unlock()
	if p.hsState != handshakeNone {
		return Action{Kind: ActionNone}
	}
	p.hsState = handshakeSent

	n := packet.FormatHandshakeInit(dst, p.localIdx, selfName)
	return Action{Kind: ActionWriteNetwork, Data: dst[:n]}
}

// HandleIncomingPacket runs the state machine for one parsed packet and
// returns the resulting Action. dst is scratch space for any reply frame.
func (p *Peer) HandleIncomingPacket(pkt packet.Packet, dst []byte) Action {
	switch pkt.Kind {
	case packet.KindEmpty:
		return Action{Kind: ActionNone}
	case packet.KindHandshakeInit:
		return p.handleHandshakeInit(pkt.HandshakeInit, dst)
	case packet.KindHandshakeResponse:
		return p.handleHandshakeResponse(pkt.HandshakeResponse, dst)
	case packet.KindData:
		return p.handleData(pkt.Data)
	default:
		return Action{Kind: ActionNone}
	}
}

func (p *Peer) handleHandshakeInit(msg packet.HandshakeInit, dst []byte) Action {
	p.hsMu.Lock()
	defer p.hsMu.Unlock()

	switch p.hsState {
	case handshakeNone, handshakeConnected:
		// A fresh init is accepted even from Connected so a restarted peer
		// can re-anchor its remote index. There is no symmetric rule for
		// the initiator side: a stray response while Connected is ignored.
		p.hsState = handshakeReceived
		p.hsRemoteIdx = msg.AssignedIdx
		n := packet.FormatHandshakeResponse(dst, p.localIdx, msg.AssignedIdx)
		return Action{Kind: ActionWriteNetwork, Data: dst[:n]}
	default:
		return Action{Kind: ActionNone}
	}
}

func (p *Peer) handleHandshakeResponse(msg packet.HandshakeResponse, dst []byte) Action {
	p.hsMu.Lock()
	defer p.hsMu.Unlock()

	if p.hsState != handshakeSent {
		return Action{Kind: ActionNone}
	}
	p.hsState = handshakeConnected
	p.hsRemoteIdx = msg.AssignedIdx
	// Prime the reverse path with a zero-length Data packet so the
	// responder can leave HandshakeReceived on first traffic.
	return Action{Kind: ActionWriteNetwork, Data: p.frameData(nil, dst)}
}

func (p *Peer) handleData(msg packet.Data) Action {
	p.hsMu.Lock()
	switch p.hsState {
	case handshakeConnected:
	case handshakeReceived:
		p.hsState = handshakeConnected
	default:
		p.hsMu.Unlock()
		return Action{Kind: ActionNone}
	}
	p.hsMu.Unlock()

	return Action{Kind: ActionWriteTun, Data: msg.Payload}
}

// Encapsulate frames an outbound inner IPv4 packet as Data, addressed
// using this peer's remote index, if the handshake is Connected.
func (p *Peer) Encapsulate(innerPacket, dst []byte) Action {
	p.hsMu.RLock()
	defer p.hsMu.RUnlock()
	if p.hsState != handshakeConnected {
		return Action{Kind: ActionNone}
	}
	return Action{Kind: ActionWriteNetwork, Data: p.frameData(innerPacket, dst)}
}

// frameData must be called with hsMu held (for read or write) so
// hsRemoteIdx is observed consistently.
func (p *Peer) frameData(payload, dst []byte) []byte {
	n := packet.FormatData(dst, p.hsRemoteIdx, payload)
	return dst[:n]
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer#%d", p.localIdx)
}
