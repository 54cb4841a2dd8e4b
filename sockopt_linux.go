//go:build linux

package oob

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

const sockoptsBeforeConnect = true

// setSockopts applies the configured buffer, nodelay and keepalive
// options to a raw socket. Used as the dialer's Control hook so the
// options are in place before connect, and on accepted sockets.
func setSockopts(cfg *Config, fd int) error {
	if cfg.SndBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.SndBuf); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	if cfg.RcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.RcvBuf); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("TCP_NODELAY: %w", err)
	}
	if cfg.KeepaliveTime <= 0 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("SO_KEEPALIVE: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(cfg.KeepaliveTime.Seconds())); err != nil {
		return fmt.Errorf("TCP_KEEPIDLE: %w", err)
	}
	if cfg.KeepaliveIntvl > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(cfg.KeepaliveIntvl.Seconds())); err != nil {
			return fmt.Errorf("TCP_KEEPINTVL: %w", err)
		}
	}
	if cfg.KeepaliveProbes > 0 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, cfg.KeepaliveProbes); err != nil {
			return fmt.Errorf("TCP_KEEPCNT: %w", err)
		}
	}
	return nil
}

func dialControl(cfg *Config) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) { serr = setSockopts(cfg, int(fd)) }); err != nil {
			return err
		}
		return serr
	}
}

// tuneConn applies the socket options to an accepted connection.
func tuneConn(cfg *Config, conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	return dialControl(cfg)("", "", rc)
}
