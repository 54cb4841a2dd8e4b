//go:build !linux

package oob

import (
	"net"
	"syscall"
)

// sockoptsBeforeConnect is false: dialed connections are tuned after
// connect through tuneConn.
const sockoptsBeforeConnect = false

func dialControl(cfg *Config) func(network, address string, c syscall.RawConn) error {
	return nil
}

// tuneConn applies what the portable net API exposes of the socket
// options. Keepalive interval and probe count stay at system defaults.
func tuneConn(cfg *Config, conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if cfg.SndBuf > 0 {
		if err := tc.SetWriteBuffer(cfg.SndBuf); err != nil {
			return err
		}
	}
	if cfg.RcvBuf > 0 {
		if err := tc.SetReadBuffer(cfg.RcvBuf); err != nil {
			return err
		}
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	if cfg.KeepaliveTime > 0 {
		if err := tc.SetKeepAlive(true); err != nil {
			return err
		}
		return tc.SetKeepAlivePeriod(cfg.KeepaliveTime)
	}
	return nil
}
