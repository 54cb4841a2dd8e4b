package oob

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// handoffBuffer bounds accepted connections waiting for the event loop.
const handoffBuffer = 128

// acceptBackoff paces the accept loop after an error such as EMFILE.
const acceptBackoff = 10 * time.Millisecond

// listener owns the bound sockets and the goroutines accepting on them.
// Accepted connections are handed to the event loop through handoff.
//
// Two modes:
//   - bootstrap: one harvester goroutine selects over every listening
//     socket and drains the accept backlog in a tight loop, so the flood
//     of connections at job launch is not throttled by the netpoller.
//   - steady: one accept goroutine per socket, optionally capped at
//     peer_limit concurrent connections.
type listener struct {
	cfg *Config
	log *slog.Logger

	lns     []*net.TCPListener
	handoff chan net.Conn

	harvest    *harvester
	steadyOnce sync.Once
	bootMu     sync.Mutex

	// errLog throttles accept error logging during accept storms.
	errLog *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newListener(cfg *Config, log *slog.Logger) *listener {
	return &listener{
		cfg:     cfg,
		log:     log,
		handoff: make(chan net.Conn, handoffBuffer),
		errLog:  rate.NewLimiter(rate.Every(time.Second), 5),
		done:    make(chan struct{}),
	}
}

// bind opens one listening socket per enabled family.
func (l *listener) bind() error {
	if !l.cfg.DisableIPv4 {
		ln, err := l.bindFamily("tcp4", "0.0.0.0", l.cfg.StaticIPv4Ports, l.cfg.DynamicIPv4Ports)
		if err != nil {
			return err
		}
		l.lns = append(l.lns, ln)
	}
	if !l.cfg.DisableIPv6 {
		ln, err := l.bindFamily("tcp6", "::", l.cfg.StaticIPv6Ports, l.cfg.DynamicIPv6Ports)
		if err != nil {
			if len(l.lns) == 0 {
				return err
			}
			l.log.Warn("oob ipv6 listener unavailable", "error", err)
		} else {
			l.lns = append(l.lns, ln)
		}
	}
	if len(l.lns) == 0 {
		return fmt.Errorf("oob listen: no address family enabled")
	}
	return nil
}

func (l *listener) bindFamily(network, host string, static, dynamic []string) (*net.TCPListener, error) {
	candidates := []int{0}
	if len(static) > 0 {
		ports, err := parsePorts(static)
		if err != nil {
			return nil, fmt.Errorf("oob listen: %w", err)
		}
		// A static port is a promise to the launcher; only the first counts.
		candidates = ports[:1]
	} else if len(dynamic) > 0 {
		ports, err := parsePorts(dynamic)
		if err != nil {
			return nil, fmt.Errorf("oob listen: %w", err)
		}
		candidates = ports
	}

	lc := net.ListenConfig{KeepAlive: -1}
	var lastErr error
	for _, port := range candidates {
		ln, err := lc.Listen(context.Background(), network, net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		l.log.Info("oob listening", "network", network, "addr", ln.Addr().String())
		return ln.(*net.TCPListener), nil
	}
	return nil, fmt.Errorf("oob listen %s: %w", network, lastErr)
}

// startBootstrap runs the harvester, or steady mode where the platform
// has no harvester.
func (l *listener) startBootstrap() {
	l.bootMu.Lock()
	defer l.bootMu.Unlock()

	h, err := newHarvester(l)
	if err != nil {
		l.log.Warn("oob bootstrap accept unavailable, using steady mode", "error", err)
		l.startSteady()
		return
	}
	l.harvest = h
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		h.run()
	}()
}

// endBootstrap stops the harvester and switches to steady mode.
func (l *listener) endBootstrap() {
	l.bootMu.Lock()
	h := l.harvest
	l.harvest = nil
	l.bootMu.Unlock()

	if h != nil {
		h.stop()
		l.log.Info("oob bootstrap accept finished")
	}
	l.startSteady()
}

func (l *listener) startSteady() {
	l.steadyOnce.Do(func() {
		for _, tln := range l.lns {
			var ln net.Listener = tln
			if l.cfg.PeerLimit > 0 {
				ln = netutil.LimitListener(ln, l.cfg.PeerLimit)
			}
			l.wg.Add(1)
			go l.acceptLoop(ln, portOf(tln.Addr()))
		}
	})
}

func (l *listener) acceptLoop(ln net.Listener, port int) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if l.errLog.Allow() {
				l.log.Error("oob accept error", "error", err)
			}
			time.Sleep(acceptBackoff)
			continue
		}
		l.admit(conn, port)
	}
}

// admit applies the privileged-port rule and hands conn on.
func (l *listener) admit(conn net.Conn, listenPort int) {
	remote := portOf(conn.RemoteAddr())
	if privilegedMismatch(listenPort, remote) {
		l.log.Warn("oob rejecting unprivileged connection to privileged port",
			"listen_port", listenPort, "remote", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	l.deliver(conn)
}

func (l *listener) deliver(conn net.Conn) {
	if err := tuneConn(l.cfg, conn); err != nil {
		l.log.Warn("oob socket options on accepted connection", "error", err)
	}
	select {
	case l.handoff <- conn:
	case <-l.done:
		conn.Close()
	}
}

func (l *listener) close() {
	l.closeOnce.Do(func() {
		close(l.done)

		l.bootMu.Lock()
		h := l.harvest
		l.harvest = nil
		l.bootMu.Unlock()
		if h != nil {
			h.stop()
		}

		for _, ln := range l.lns {
			ln.Close()
		}
		l.wg.Wait()
	})
}

// addrs returns the bound listener addresses.
func (l *listener) addrs() []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(l.lns))
	for _, ln := range l.lns {
		out = append(out, ln.Addr().(*net.TCPAddr))
	}
	return out
}

// privilegedMismatch reports a connection from an unprivileged source
// port to a privileged listening port.
func privilegedMismatch(listenPort, remotePort int) bool {
	return listenPort <= 1024 && listenPort > 0 && remotePort > 1024
}

func portOf(a net.Addr) int {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.Port
	}
	return 0
}
