//go:build linux

package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// allocRequestSize and allocReplySize are the wire sizes of the handshake
// datagrams: a request carries a single u32, a reply carries
// {request, pid, ring_bytes} as three u32s (ring_bytes truncated from the
// actual uint64 data size, which never exceeds 4 GiB in practice).
const (
	allocRequestSize = 4
	allocReplySize   = 12
)

// AllocHandshakeServer listens on a Unix datagram socket for in-process
// allocation trackers asking to be wired up. On each request it determines
// the connecting process's pid via SO_PASSCRED/SCM_CREDENTIALS, finds the
// configured alloc watcher whose target set the pid belongs to, attaches a
// fresh ring buffer to that watcher's event pump, and replies with the
// memfd and eventfd via SCM_RIGHTS.
type AllocHandshakeServer struct {
	conn   *net.UnixConn
	logger *slog.Logger

	mu       sync.Mutex
	watchers []*AllocWatcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ListenAllocHandshake binds a Unix datagram socket at path, removing any
// stale socket file left behind by a previous run.
func ListenAllocHandshake(path string, logger *slog.Logger) (*AllocHandshakeServer, error) {
	_ = os.Remove(path)

	addr := &net.UnixAddr{Name: path, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return nil, fmt.Errorf("alloc handshake: listen %s: %w", path, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return nil, err
	}
	if sockErr != nil {
		conn.Close()
		return nil, fmt.Errorf("alloc handshake: SO_PASSCRED: %w", sockErr)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &AllocHandshakeServer{conn: conn, logger: logger}, nil
}

// Register adds w to the set of watchers this server will attach incoming
// handshakes to, in registration order; the first watcher whose Matches
// returns true for a connecting pid wins.
func (s *AllocHandshakeServer) Register(w *AllocWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, w)
}

// Serve runs the accept loop until ctx is cancelled or Close is called.
func (s *AllocHandshakeServer) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	defer s.wg.Done()

	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, allocRequestSize)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	for {
		n, oobn, _, addr, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("alloc handshake: read failed", slog.Any("error", err))
			continue
		}
		if n < allocRequestSize {
			continue
		}

		pid, err := peerPID(oob[:oobn])
		if err != nil {
			s.logger.Warn("alloc handshake: no peer credentials", slog.Any("error", err))
			continue
		}

		request := binary.LittleEndian.Uint32(buf[:4])
		if err := s.handleRequest(request, pid, addr); err != nil {
			s.logger.Warn("alloc handshake: request failed",
				slog.Int("pid", pid), slog.Any("error", err))
		}
	}
}

// Close stops the accept loop and waits for it to exit.
func (s *AllocHandshakeServer) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// handleRequest finds the watcher matching pid, attaches a new ring buffer
// to it, and sends the reply datagram with the memfd/eventfd attached.
func (s *AllocHandshakeServer) handleRequest(request uint32, pid int, addr *net.UnixAddr) error {
	s.mu.Lock()
	var target *AllocWatcher
	for _, w := range s.watchers {
		if w.Matches(pid) {
			target = w
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("pid %d matches no configured alloc watcher", pid)
	}

	memFD, eventFD, ringSize, err := target.Attach(pid)
	if err != nil {
		return err
	}

	reply := make([]byte, allocReplySize)
	binary.LittleEndian.PutUint32(reply[0:4], request)
	binary.LittleEndian.PutUint32(reply[4:8], uint32(pid))
	binary.LittleEndian.PutUint32(reply[8:12], uint32(ringSize))

	rights := unix.UnixRights(memFD, eventFD)
	_, _, err = s.conn.WriteMsgUnix(reply, rights, addr)
	return err
}

// peerPID extracts the sender's pid from an SCM_CREDENTIALS ancillary
// message, which the kernel fills in authoritatively (not attacker
// controlled) once SO_PASSCRED is set on the receiving socket.
func peerPID(oob []byte) (int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		cred, err := unix.ParseUnixCredentials(&m)
		if err != nil {
			continue
		}
		return int(cred.Pid), nil
	}
	return 0, errors.New("no SCM_CREDENTIALS message present")
}
