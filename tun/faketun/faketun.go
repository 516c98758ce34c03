// Package faketun provides an in-memory tun.Device for exercising
// device.Device in tests without a kernel TUN interface.
package faketun

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"
)

// TUN is a tun.Device backed by an in-memory packet queue: Write on one
// end of the device is read back on the other via Inject/Drain, and vice
// versa. Unlike multihoptun.MultihopTun (its channel-handoff ancestor),
// it moves raw IPv4 packets verbatim rather than re-encapsulating them in
// another IPv4+UDP header: this is a fake kernel interface, not a tunnel
// hop.
//
// File returns a real pipe descriptor so a netpoll.Poll can register it:
// Inject writes a wake-up byte to the pipe on every queued packet, and
// Read drains both the packet and that byte, so device.Device's real
// Start/Wait loop can be driven end to end in tests, not just its
// internal drain helpers.
type TUN struct {
	mu    sync.Mutex
	queue [][]byte

	outbound chan []byte

	notifyR *os.File
	notifyW *os.File

	name   string
	mtu    int
	events chan tun.Event
	closed atomic.Bool
	done   chan struct{}
}

// New returns a ready TUN named name with the given MTU.
func New(name string, mtu int) (*TUN, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	return &TUN{
		outbound: make(chan []byte),
		notifyR:  r,
		notifyW:  w,
		name:     name,
		mtu:      mtu,
		events:   make(chan tun.Event, 1),
		done:     make(chan struct{}),
	}, nil
}

// Inject queues a packet for the device to read, as if it arrived from
// the kernel, and wakes any poller blocked on File's descriptor.
func (t *TUN) Inject(packet []byte) error {
	if t.closed.Load() {
		return io.ErrClosedPipe
	}
	t.mu.Lock()
	t.queue = append(t.queue, packet)
	t.mu.Unlock()
	_, err := t.notifyW.Write([]byte{0})
	return err
}

// Drain blocks until the device writes a packet (as if delivering it to
// the kernel) and returns a copy of it.
func (t *TUN) Drain() ([]byte, error) {
	select {
	case pkt := <-t.outbound:
		return pkt, nil
	case <-t.done:
		return nil, io.ErrClosedPipe
	}
}

// Events implements tun.Device.
func (t *TUN) Events() <-chan tun.Event { return t.events }

// File implements tun.Device. The descriptor never carries packet bytes
// itself; it only signals that Read has a queued packet to return.
func (t *TUN) File() *os.File { return t.notifyR }

// MTU implements tun.Device.
func (t *TUN) MTU() (int, error) { return t.mtu, nil }

// Name implements tun.Device.
func (t *TUN) Name() (string, error) { return t.name, nil }

// Read implements tun.Device. It is non-blocking and edge-triggered, as
// netpoll.Poll requires of a registered fd: once the queue is empty it
// returns EAGAIN rather than blocking, so a caller driving the real
// event loop can move on to other readiness events.
func (t *TUN) Read(packet []byte, offset int) (int, error) {
	if t.closed.Load() {
		return 0, io.EOF
	}

	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return 0, unix.EAGAIN
	}
	pkt := t.queue[0]
	t.queue = t.queue[1:]
	t.mu.Unlock()

	var wake [1]byte
	unix.Read(int(t.notifyR.Fd()), wake[:])

	return copy(packet[offset:], pkt), nil
}

// Write implements tun.Device.
func (t *TUN) Write(packet []byte, offset int) (int, error) {
	pkt := make([]byte, len(packet)-offset)
	copy(pkt, packet[offset:])
	select {
	case t.outbound <- pkt:
		return len(packet), nil
	case <-t.done:
		return 0, io.EOF
	}
}

// BatchSize implements tun.Device.
func (t *TUN) BatchSize() int { return 1 }

// Flush implements tun.Device.
func (t *TUN) Flush() error { return nil }

// Close implements tun.Device.
func (t *TUN) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.done)
		t.notifyR.Close()
		t.notifyW.Close()
	}
	return nil
}
