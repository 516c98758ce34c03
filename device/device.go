// Package device implements the data-plane engine: the TUN/UDP event
// loop, the per-peer session state machine (Peer, in peer.go), and the
// socket plumbing (socket_linux.go) that ties them together.
package device

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/wontun-go/wontun/allowedips"
	"github.com/wontun-go/wontun/netpoll"
	"github.com/wontun-go/wontun/packet"
	"github.com/wontun-go/wontun/peername"
)

// bufSize is one maximum datagram plus framing overhead: each worker
// owns two scratch buffers this size.
const bufSize = 1504

// Device owns the TUN handle, the unconnected UDP socket, the poll
// instance, and every registered peer. peers_by_index, peers_by_name and
// peers_by_ip are read-only once Start has run.
type Device struct {
	name peername.Name
	log  *Logger

	tun  tun.Device
	udp  *udpSocket
	poll *netpoll.Poll

	peersByName map[peername.Name]*Peer
	peersByIdx  []*Peer
	peersByIP   *allowedips.Table[*Peer]

	useConnectedPeer bool
	listenPort       uint16
	fwmark           *uint32
}

// New constructs a Device with a real kernel TUN interface.
func New(cfg Config) (*Device, error) {
	tunDevice, err := tun.CreateTUN(cfg.TunName, DefaultMTU)
	if err != nil {
		return nil, fmt.Errorf("device: create tun %q: %w", cfg.TunName, err)
	}
	return newDevice(cfg, tunDevice)
}

// NewWithTUN constructs a Device around a caller-supplied tun.Device,
// letting tests drive the event loop over an in-memory fake
// (tun/faketun) instead of a kernel interface.
func NewWithTUN(cfg Config, tunDevice tun.Device) (*Device, error) {
	return newDevice(cfg, tunDevice)
}

func newDevice(cfg Config, tunDevice tun.Device) (*Device, error) {
	log := cfg.Logger
	if log == nil {
		log = NewLogger(LogLevelSilent, "")
	}

	// A ListenPort of 0 is passed straight through to bind(2), which asks
	// the kernel for an ephemeral port; that assigned port is then used for
	// every per-peer connected socket too. cmd/wontund supplies
	// DefaultListenPort explicitly when the user configures none.
	listenPort := cfg.ListenPort

	poll, err := netpoll.New()
	if err != nil {
		tunDevice.Close()
		return nil, fmt.Errorf("device: %w", err)
	}

	udp, err := newUDPSocket(listenPort, cfg.FWMark)
	if err != nil {
		tunDevice.Close()
		return nil, fmt.Errorf("device: %w", err)
	}
	if listenPort == 0 {
		if listenPort, err = udp.LocalPort(); err != nil {
			udp.Close()
			tunDevice.Close()
			return nil, fmt.Errorf("device: %w", err)
		}
	}

	return &Device{
		name:             cfg.Name,
		log:              log,
		tun:              tunDevice,
		udp:              udp,
		poll:             poll,
		peersByName:      make(map[peername.Name]*Peer),
		peersByIP:        allowedips.New[*Peer](),
		useConnectedPeer: cfg.UseConnectedPeer,
		listenPort:       listenPort,
		fwmark:           cfg.FWMark,
	}, nil
}

// AddPeer registers a new peer, assigning it the next local_idx in
// registration order starting at 0. There is no dynamic peer add/remove:
// the event loop reads the peer indices without locking, and AddPeer does
// not check whether Start has already run.
func (d *Device) AddPeer(cfg PeerConfig) (*Peer, error) {
	if _, exists := d.peersByName[cfg.Name]; exists {
		return nil, configErrorf("device: duplicate peer name %q", cfg.Name.String())
	}

	localIdx := uint32(len(d.peersByIdx))
	peer := newPeer(localIdx, d.log)

	for _, aip := range cfg.AllowedIPs {
		if err := peer.AddAllowedIP(aip.Addr, aip.PrefixLen); err != nil {
			return nil, configErrorf("device: peer %q: %v", cfg.Name.String(), err)
		}
	}
	if cfg.Endpoint.IsValid() {
		peer.SetEndpoint(cfg.Endpoint)
	}

	d.peersByName[cfg.Name] = peer
	d.peersByIdx = append(d.peersByIdx, peer)

	it := peer.AllowedIPs().Iter()
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		if _, _, err := d.peersByIP.Insert(item.Network, item.PrefixLen, peer); err != nil {
			return nil, fmt.Errorf("device: peer %q: %w", cfg.Name.String(), err)
		}
	}

	return peer, nil
}

// Start registers the TUN and the unconnected socket with the poll
// instance and sends an initial HandshakeInit to every peer that already
// has a preconfigured endpoint. Registration failure here is fatal.
func (d *Device) Start() error {
	if err := d.poll.RegisterRead(netpoll.Sock(-1), d.udp.Fd()); err != nil {
		return fmt.Errorf("device: start: %w", err)
	}
	tunFile := d.tun.File()
	if tunFile == nil {
		return errors.New("device: start: tun device has no file descriptor")
	}
	if err := d.poll.RegisterRead(netpoll.Tun, int(tunFile.Fd())); err != nil {
		return fmt.Errorf("device: start: %w", err)
	}

	buf := make([]byte, packet.MaxSegmentSize)
	for _, peer := range d.peersByIdx {
		action := peer.SendHandshake(d.name, buf)
		d.dispatch(peer, action)
	}
	return nil
}

// Wait runs the event loop until the poll instance fails. Multiple
// goroutines may call Wait concurrently in multi-threaded mode;
// edge-triggered readiness guarantees each event reaches exactly one
// caller.
func (d *Device) Wait() error {
	src := make([]byte, bufSize)
	dst := make([]byte, bufSize)

	for {
		token, err := d.poll.Wait()
		if err != nil {
			return fmt.Errorf("device: poll wait: %w", err)
		}

		switch token.Kind {
		case netpoll.KindTun:
			d.drainTun(src, dst)
		case netpoll.KindSock:
			d.drainSock(token.ID, src, dst)
		}
	}
}

// Run starts numWorkers-1 additional goroutines alongside the caller, all
// running Wait, and returns when the caller's own Wait returns, with its
// error; an error in one of the other goroutines does not end Run. This is
// the optional multi-threaded mode; numWorkers of 1 behaves like Wait.
func (d *Device) Run(numWorkers int) error {
	if numWorkers < 1 {
		numWorkers = 1
	}
	errs := make(chan error, numWorkers)
	for i := 1; i < numWorkers; i++ {
		go func() { errs <- d.Wait() }()
	}
	err := d.Wait()
	errs <- err
	return err
}

func (d *Device) drainSock(id int32, src, dst []byte) {
	if id == -1 {
		d.drainUDP(d.udp, src, dst)
		return
	}
	peer := d.peerByIndex(uint32(id))
	if peer == nil {
		return
	}
	_, conn := peer.Endpoint()
	if conn == nil {
		return
	}
	d.drainConnectedUDP(peer, conn, src, dst)
}

// ListenPort returns the UDP port this device is bound to, resolving a
// requested port of 0 to whatever the kernel actually assigned.
func (d *Device) ListenPort() (uint16, error) {
	return d.udp.LocalPort()
}

func (d *Device) peerByIndex(idx uint32) *Peer {
	if int(idx) >= len(d.peersByIdx) {
		return nil
	}
	return d.peersByIdx[idx]
}

// drainTun reads IPv4 packets from the TUN until it would block, routing
// each by destination address and encapsulating it for the matching peer.
func (d *Device) drainTun(src, dst []byte) {
	for {
		n, err := d.tun.Read(src, 0)
		if err != nil {
			if !errWouldBlock(err) {
				d.log.Errorf("tun read: %v", err)
			}
			return
		}
		pkt := src[:n]

		_, dstAddr, err := ipv4SrcDst(pkt)
		if err != nil {
			continue // malformed: drop silently
		}
		peer, ok := d.peersByIP.Get(dstAddr)
		if !ok {
			continue // no route: drop silently
		}

		d.dispatch(peer, peer.Encapsulate(pkt, dst))
	}
}

// drainUDP reads datagrams from the unconnected socket until it would
// block, dispatching each to the peer it names and updating that peer's
// endpoint tracking.
func (d *Device) drainUDP(sock *udpSocket, src, dst []byte) {
	for {
		n, from, err := sock.RecvFrom(src)
		if err != nil {
			if !errWouldBlock(err) {
				d.log.Errorf("udp recv: %v", err)
			}
			return
		}
		d.handleDatagram(src[:n], from, dst)
	}
}

// drainConnectedUDP reads from a peer's connected socket; the sender is
// always that peer's current endpoint address.
func (d *Device) drainConnectedUDP(peer *Peer, sock *udpSocket, src, dst []byte) {
	for {
		n, err := sock.Recv(src)
		if err != nil {
			if !errWouldBlock(err) {
				d.log.Errorf("udp recv (peer %v): %v", peer, err)
			}
			return
		}
		from, _ := peer.Endpoint()
		d.handleDatagram(src[:n], from, dst)
	}
}

func (d *Device) handleDatagram(buf []byte, from netip.AddrPort, dst []byte) {
	if !from.Addr().Is4() {
		return // inbound source must be IPv4
	}

	pkt, err := packet.Parse(buf)
	if err != nil {
		return // malformed: drop silently
	}

	peer := d.lookupPeer(pkt)
	if peer == nil {
		return // unknown peer: drop silently
	}

	d.trackEndpoint(peer, from)

	d.dispatch(peer, peer.HandleIncomingPacket(pkt, dst))
}

func (d *Device) lookupPeer(pkt packet.Packet) *Peer {
	switch pkt.Kind {
	case packet.KindHandshakeInit:
		return d.peersByName[pkt.HandshakeInit.SenderName.Owned()]
	case packet.KindHandshakeResponse:
		return d.peerByIndex(pkt.HandshakeResponse.SenderIdx)
	case packet.KindData:
		return d.peerByIndex(pkt.Data.SenderIdx)
	default:
		return nil
	}
}

// trackEndpoint updates the peer's recorded address, tears down any
// superseded connected socket, and, in connected-peer mode, stands up
// a fresh one and registers it.
func (d *Device) trackEndpoint(peer *Peer, from netip.AddrPort) {
	changed, taken := peer.SetEndpoint(from)
	if taken != nil {
		if err := d.poll.Delete(taken.Fd()); err != nil {
			d.log.Errorf("poll delete (peer %v): %v", peer, err)
		}
		taken.Close()
	}

	if !changed || !d.useConnectedPeer {
		return
	}

	conn, err := peer.ConnectEndpoint(d.listenPort, d.fwmark)
	if err != nil {
		d.log.Errorf("connect endpoint (peer %v): %v", peer, err)
		return
	}
	if err := d.poll.RegisterRead(netpoll.Sock(int32(peer.LocalIdx())), conn.Fd()); err != nil {
		d.log.Errorf("poll register (peer %v): %v", peer, err)
	}
}

// dispatch applies an Action returned by the Peer state machine: write to
// the TUN (subject to the source-address allow-list check), send on the
// wire, or do nothing.
func (d *Device) dispatch(peer *Peer, action Action) {
	switch action.Kind {
	case ActionNone:
		return
	case ActionWriteTun:
		d.writeTun(peer, action.Data)
	case ActionWriteNetwork:
		d.sendOverUDP(peer, action.Data)
	}
}

func (d *Device) writeTun(peer *Peer, payload []byte) {
	src, _, err := ipv4SrcDst(payload)
	if err != nil {
		return // malformed or empty (e.g. a priming Data packet): drop silently
	}
	if !peer.IsAllowedIP(src) {
		return // disallowed inner source: drop silently
	}
	if _, err := d.tun.Write(payload, 0); err != nil {
		d.log.Errorf("tun write: %v", err)
	}
}

func (d *Device) sendOverUDP(peer *Peer, data []byte) {
	addr, conn := peer.Endpoint()
	var err error
	switch {
	case conn != nil:
		_, err = conn.Send(data)
	case addr.IsValid():
		_, err = d.udp.SendTo(data, addr)
	default:
		return // no known endpoint: drop
	}
	if err != nil {
		d.log.Errorf("udp send (peer %v): %v", peer, err)
	}
}
