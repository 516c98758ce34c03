//go:build linux

package device

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// udpSocket is a non-blocking, address-reusable IPv4 UDP socket operated
// through raw syscalls rather than *net.UDPConn, so that readiness is
// driven by this module's own netpoll.Poll instead of the Go runtime's
// internal poller (which would otherwise swallow the EAGAIN signal the
// edge-triggered drain loop needs to know when to stop).
type udpSocket struct {
	fd int
}

// newUDPSocket creates a socket bound to port on all interfaces, with
// SO_REUSEPORT always set (multiple sockets, the unconnected one and one
// per connected peer, share the same listen port) and SO_MARK set when
// fwmark is non-nil.
func newUDPSocket(port uint16, fwmark *uint32) (*udpSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("device: socket: %w", err)
	}
	sock := &udpSocket{fd: fd}

	if err := unix.SetNonblock(fd, true); err != nil {
		sock.Close()
		return nil, fmt.Errorf("device: set non-blocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		sock.Close()
		return nil, fmt.Errorf("device: SO_REUSEPORT: %w", err)
	}
	if fwmark != nil {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(*fwmark)); err != nil {
			sock.Close()
			return nil, fmt.Errorf("device: SO_MARK: %w", err)
		}
	}

	sa := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		sock.Close()
		return nil, fmt.Errorf("device: bind :%d: %w", port, err)
	}

	return sock, nil
}

// newConnectedUDPSocket creates a socket as newUDPSocket does, then
// connects it at the kernel level to remote so recv only sees that peer's
// traffic and send needs no per-packet address.
func newConnectedUDPSocket(port uint16, fwmark *uint32, remote netip.AddrPort) (*udpSocket, error) {
	sock, err := newUDPSocket(port, fwmark)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: int(remote.Port()), Addr: remote.Addr().As4()}
	if err := unix.Connect(sock.fd, sa); err != nil {
		sock.Close()
		return nil, fmt.Errorf("device: connect to %s: %w", remote, err)
	}
	return sock, nil
}

// Fd returns the raw file descriptor, for registration with netpoll.Poll.
func (s *udpSocket) Fd() int { return s.fd }

// LocalPort returns the port the kernel bound this socket to, useful when
// it was opened on port 0.
func (s *udpSocket) LocalPort() (uint16, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0, fmt.Errorf("device: getsockname: %w", err)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("device: unexpected socket address type %T", sa)
	}
	return uint16(sa4.Port), nil
}

func (s *udpSocket) Close() error { return unix.Close(s.fd) }

// errWouldBlock reports whether err is the edge-triggered "drained"
// signal (EAGAIN/EWOULDBLOCK), as opposed to a real I/O error.
func errWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// RecvFrom reads one datagram into buf, returning its length and the
// IPv4 sender address.
func (s *udpSocket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	sa4, ok := from.(*unix.SockaddrInet4)
	if !ok {
		return 0, netip.AddrPort{}, fmt.Errorf("device: unexpected socket address type %T", from)
	}
	return n, netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), nil
}

// Recv reads one datagram into buf from a connected socket.
func (s *udpSocket) Recv(buf []byte) (int, error) {
	return unix.Read(s.fd, buf)
}

// SendTo writes buf to addr on the unconnected socket.
func (s *udpSocket) SendTo(buf []byte, addr netip.AddrPort) (int, error) {
	sa := &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	if err := unix.Sendto(s.fd, buf, 0, sa); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Send writes buf to a connected socket's fixed peer.
func (s *udpSocket) Send(buf []byte) (int, error) {
	return unix.Write(s.fd, buf)
}
