//go:build linux

package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Poll is an edge-triggered epoll instance. The zero value is not usable;
// construct with New.
type Poll struct {
	epfd int
}

// New creates an epoll instance.
func New() (*Poll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("netpoll: epoll_create1: %w", err)
	}
	return &Poll{epfd: epfd}, nil
}

const epollFlags = unix.EPOLLIN | unix.EPOLLET

// RegisterRead subscribes to readable events on fd under token. Edge
// triggered: the caller must drain fd to exhaustion (until EAGAIN) after
// each readiness notification before calling Wait again.
func (p *Poll) RegisterRead(token Token, fd int) error {
	data := encode(token)
	event := unix.EpollEvent{
		Events: epollFlags,
		Fd:     int32(data),
		Pad:    int32(data >> 32),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Delete unsubscribes fd.
func (p *Poll) Delete(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("netpoll: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one subscribed descriptor is readable and
// returns the token for one of them. It may be called concurrently from
// multiple goroutines; the OS delivers each readiness event to exactly one
// caller.
func (p *Poll) Wait() (Token, error) {
	var events [1]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return Token{}, fmt.Errorf("netpoll: epoll_wait: %w", err)
		}
		if n == 0 {
			continue
		}
		data := uint64(uint32(events[0].Fd)) | uint64(uint32(events[0].Pad))<<32
		return decode(data)
	}
}

// Close releases the underlying epoll file descriptor.
func (p *Poll) Close() error {
	return unix.Close(p.epfd)
}
