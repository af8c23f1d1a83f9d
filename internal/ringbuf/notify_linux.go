//go:build linux

package ringbuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Notifier multiplexes wakeups from many ring buffers (or MPSC producers'
// shared eventfd) onto one level-triggered epoll instance, plus a dedicated
// close eventfd so Close unblocks a concurrent Wait.
//
// The eventfd write is fire-and-forget: losing a wake is not losing data,
// because the next producer write re-triggers it and the consumer always
// drains with AvailableSize()==0 as its stopping condition, never "exactly
// one wake per record".
type Notifier struct {
	epfd    int
	closeFD int
	fds     map[int32]struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() (*Notifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ringbuf: epoll_create1: %w", err)
	}
	closeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("ringbuf: eventfd: %w", err)
	}
	n := &Notifier{epfd: epfd, closeFD: closeFD, fds: make(map[int32]struct{})}
	if err := n.add(closeFD); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Notifier) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ringbuf: epoll_ctl add fd %d: %w", fd, err)
	}
	n.fds[int32(fd)] = struct{}{}
	return nil
}

// AddEventFD registers an eventfd (one per ring buffer) for wakeups.
func (n *Notifier) AddEventFD(fd int) error { return n.add(fd) }

// Wait blocks until at least one registered fd is readable (or the Notifier
// is closed) and returns the set of ready fds. timeoutMs < 0 blocks forever.
func (n *Notifier) Wait(timeoutMs int) (ready []int32, closed bool, err error) {
	events := make([]unix.EpollEvent, len(n.fds)+1)
	for {
		count, err := unix.EpollWait(n.epfd, events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("ringbuf: epoll_wait: %w", err)
		}
		for _, ev := range events[:count] {
			if ev.Fd == int32(n.closeFD) {
				return nil, true, nil
			}
			ready = append(ready, ev.Fd)
		}
		return ready, false, nil
	}
}

// NotifyEventFD writes 1 to fd, waking any waiter blocked in Wait.
func NotifyEventFD(fd int) error {
	var val [8]byte
	val[0] = 1
	_, err := unix.Write(fd, val[:])
	return err
}

// Close unblocks any goroutine in Wait and releases the epoll instance.
func (n *Notifier) Close() error {
	_ = NotifyEventFD(n.closeFD)
	err1 := unix.Close(n.closeFD)
	err2 := unix.Close(n.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
