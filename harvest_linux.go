//go:build linux

package oob

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// harvester is the bootstrap accept loop: a dedicated OS thread that
// selects over the raw listening descriptors plus a wakeup pipe and
// drains each ready backlog with accept4 until EAGAIN.
//
// The listening descriptors stay owned by their net.TCPListener; the
// harvester only borrows them and is always stopped before the
// listeners are closed. Select limits descriptors to FD_SETSIZE, which
// a handful of listeners created at startup stay well below.
type harvester struct {
	l     *listener
	fds   []int
	ports []int

	stopR, stopW int
	exited       chan struct{}
	stopOnce     sync.Once
}

func newHarvester(l *listener) (*harvester, error) {
	h := &harvester{l: l, exited: make(chan struct{})}
	for _, ln := range l.lns {
		rc, err := ln.SyscallConn()
		if err != nil {
			return nil, fmt.Errorf("oob harvester: %w", err)
		}
		fd := -1
		if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
			return nil, fmt.Errorf("oob harvester: %w", err)
		}
		h.fds = append(h.fds, fd)
		h.ports = append(h.ports, portOf(ln.Addr()))
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("oob harvester pipe: %w", err)
	}
	h.stopR, h.stopW = p[0], p[1]
	return h, nil
}

func (h *harvester) run() {
	defer close(h.exited)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	timeout := h.l.cfg.ListenTimeout
	for {
		var rset unix.FdSet
		rset.Zero()
		rset.Set(h.stopR)
		maxfd := h.stopR
		for _, fd := range h.fds {
			rset.Set(fd)
			if fd > maxfd {
				maxfd = fd
			}
		}

		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		n, err := unix.Select(maxfd+1, &rset, nil, nil, &tv)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			h.l.log.Error("oob harvester select failed", "error", err)
			return
		}
		if n == 0 {
			select {
			case <-h.l.done:
				return
			default:
				continue
			}
		}
		if rset.IsSet(h.stopR) {
			return
		}
		for i, fd := range h.fds {
			if rset.IsSet(fd) {
				h.drain(fd, h.ports[i])
			}
		}
	}
}

func (h *harvester) drain(fd, listenPort int) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			}
			if h.l.errLog.Allow() {
				h.l.log.Error("oob harvester accept error", "error", err)
			}
			return
		}

		if privilegedMismatch(listenPort, sockaddrPort(sa)) {
			h.l.log.Warn("oob rejecting unprivileged connection to privileged port",
				"listen_port", listenPort)
			unix.Close(nfd)
			continue
		}

		f := os.NewFile(uintptr(nfd), "oob-accept")
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			h.l.log.Error("oob harvester wrap failed", "error", err)
			continue
		}
		h.l.deliver(conn)
	}
}

// stop wakes the harvester, waits for it to exit and releases the pipe.
func (h *harvester) stop() {
	h.stopOnce.Do(func() {
		unix.Write(h.stopW, []byte{1})
		<-h.exited
		unix.Close(h.stopR)
		unix.Close(h.stopW)
	})
}

func sockaddrPort(sa unix.Sockaddr) int {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	}
	return 0
}
