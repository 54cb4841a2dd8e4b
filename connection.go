package oob

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// Events posted to the loop. Each is immutable once posted.
type (
	evSend struct{ m *message }

	// evDialed reports a finished connect. On success our IDENT has
	// already been written.
	evDialed struct {
		peer Identity
		gen  uint64
		conn net.Conn
		err  error
	}

	// evReply carries the acceptor's answer to our IDENT.
	evReply struct {
		peer    Identity
		gen     uint64
		hdr     Header
		ack     bool
		version string
		err     error
	}

	// evInbound is an accepted socket whose IDENT has been read.
	evInbound struct {
		conn    net.Conn
		hdr     Header
		ack     bool
		version string
	}

	// evAccepted reports that our IDENT reply to an inbound was written.
	evAccepted struct {
		peer Identity
		gen  uint64
		err  error
	}

	evSent struct {
		peer Identity
		gen  uint64
		err  error
	}

	evLinkDown struct {
		peer Identity
		gen  uint64
		err  error
	}

	// evDeliver is a data frame addressed to this process.
	evDeliver struct {
		hdr     Header
		payload []byte
	}

	// evRelay is a data frame addressed to another process.
	evRelay struct {
		hdr     Header
		payload []byte
	}

	// evRetry fires when a peer's wait (accept-wait or reconnect delay)
	// is over.
	evRetry struct {
		peer Identity
		gen  uint64
	}

	evLookup struct {
		peer  Identity
		addrs []Address
		err   error
	}

	evAddContact struct {
		id    Identity
		addrs []Address
	}

	evClose struct{ peer Identity }

	evCall struct{ fn func() }
)

func (t *Transport) handle(ev any) {
	switch e := ev.(type) {
	case evSend:
		t.enqueue(e.m)
	case evDialed:
		t.onDialed(e)
	case evReply:
		t.onReply(e)
	case evInbound:
		t.onInbound(e)
	case evAccepted:
		t.onAccepted(e)
	case evSent:
		t.onSent(e)
	case evLinkDown:
		t.onLinkDown(e)
	case evDeliver:
		t.onDeliver(e)
	case evRelay:
		t.onRelay(e)
	case evRetry:
		t.onRetry(e)
	case evLookup:
		t.onLookup(e)
	case evAddContact:
		t.onAddContact(e)
	case evClose:
		if p := t.reg.Lookup(e.peer); p != nil {
			t.closePeer(p, nil)
		}
	case evCall:
		e.fn()
	}
}

// --- sending ---

func (t *Transport) enqueue(m *message) {
	if m.origin == t.self && m.seq == 0 {
		t.seqs[m.dst]++
		m.seq = t.seqs[m.dst]
	}
	if max := t.cfg.maxMsgBytes(); uint64(len(m.payload)) > max {
		t.complete(m, m.dst, ErrOversizedMessage)
		return
	}
	if m.dst == t.self {
		t.deliverLocal(m)
		return
	}

	hop := t.router.NextHop(m.dst)
	p := t.reg.GetOrCreate(hop)
	if p.state == StateFailed {
		t.complete(m, p.id, ErrAddressExhausted)
		return
	}
	p.sendQueue.Write(m)

	switch p.state {
	case StateConnected:
		t.pump(p)
	case StateUnconnected, StateClosed:
		if !p.waiting && !p.lookingUp {
			t.connect(p)
		}
	}
}

// deliverLocal hands a message addressed to ourselves to the handler.
func (t *Transport) deliverLocal(m *message) {
	handler := t.handler
	t.notify(func() {
		if handler != nil {
			handler(m.origin, m.tag, m.seq, m.payload)
		}
	})
	t.metrics.MessagesReceived.Add(1)
	t.complete(m, t.self, nil)
}

// pump hands the head of the queue to the writer if nothing is in flight.
func (t *Transport) pump(p *peer) {
	if p.state != StateConnected || p.currentSend != nil {
		return
	}
	m, ok := p.sendQueue.Read()
	if !ok {
		return
	}
	p.currentSend = m
	p.link.send(m)
}

func (t *Transport) onSent(e evSent) {
	p := t.reg.Lookup(e.peer)
	if p == nil || e.gen != p.gen || p.state != StateConnected {
		return
	}
	if e.err != nil {
		t.closePeer(p, e.err)
		return
	}
	m := p.currentSend
	p.currentSend = nil
	p.lastActivity = t.clock.Now()
	if m != nil {
		t.complete(m, p.id, nil)
	}
	t.pump(p)
}

func (t *Transport) onLinkDown(e evLinkDown) {
	p := t.reg.Lookup(e.peer)
	if p == nil || e.gen != p.gen {
		return
	}
	if errors.Is(e.err, ErrOversizedMessage) {
		t.log.Warn("oob peer sent oversized message", "peer", p.id, "error", e.err)
	} else {
		t.log.Debug("oob link down", "peer", p.id, "error", e.err)
	}
	t.closePeer(p, e.err)
}

// onDeliver queues an inbound frame behind every router callback already
// issued, so a peer's Connected always precedes its first message.
func (t *Transport) onDeliver(e evDeliver) {
	t.metrics.MessagesReceived.Add(1)
	handler, h, payload := t.handler, e.hdr, e.payload
	if handler == nil {
		return
	}
	t.notify(func() { handler(h.Origin, h.Tag, h.SeqNum, payload) })
}

func (t *Transport) onRelay(e evRelay) {
	t.metrics.MessagesRelayed.Add(1)
	t.enqueue(&message{
		origin:  e.hdr.Origin,
		dst:     e.hdr.Dst,
		tag:     e.hdr.Tag,
		seq:     e.hdr.SeqNum,
		payload: e.payload,
	})
}

// complete schedules m's completion. A nil err counts as sent.
func (t *Transport) complete(m *message, peer Identity, err error) {
	if err != nil {
		t.metrics.MessagesFailed.Add(1)
		err = &SendError{Peer: peer, Err: err}
	} else if m.dst != t.self {
		t.metrics.MessagesSent.Add(1)
	}
	if m.done != nil {
		done := m.done
		t.notify(func() { done(err) })
	}
}

// failQueue completes the in-flight and every queued send with err.
func (t *Transport) failQueue(p *peer, err error) {
	if p.currentSend != nil {
		t.complete(p.currentSend, p.id, err)
		p.currentSend = nil
	}
	queued, _ := p.sendQueue.ReadN(0)
	for _, m := range queued {
		t.complete(m, p.id, err)
	}
}

// --- outbound ---

// connect starts an attempt on the next candidate address, or declares
// the book exhausted.
func (t *Transport) connect(p *peer) {
	if p.book.Len() == 0 {
		if t.directory != nil {
			t.lookup(p)
			return
		}
		p.state = StateUnconnected
		t.unreachable(p, ErrNoRoute)
		return
	}
	a, ok := p.book.Next()
	if !ok {
		t.exhausted(p)
		return
	}
	p.gen++
	p.state = StateConnecting
	p.active = a
	p.waiting = false
	t.metrics.ConnectAttempts.Add(1)
	t.log.Debug("oob connecting", "peer", p.id, "addr", a.String(), "attempt", a.Retries)
	ctx, cancel := context.WithCancel(t.ctx)
	p.cancelDial = cancel
	t.dial(ctx, cancel, p.id, p.gen, *a)
}

// dial connects in a helper goroutine, writes our IDENT and then waits
// for the reply. Cancelling ctx abandons a dial still in progress.
func (t *Transport) dial(ctx context.Context, cancel context.CancelFunc, id Identity, gen uint64, a Address) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()

		d := net.Dialer{
			Timeout:   t.cfg.ConnectTimeout,
			KeepAlive: -1,
			Control:   dialControl(&t.cfg),
		}
		conn, err := d.DialContext(ctx, a.network(), a.String())
		if err == nil && !sockoptsBeforeConnect {
			if terr := tuneConn(&t.cfg, conn); terr != nil {
				t.log.Warn("oob socket options", "peer", id, "error", terr)
			}
		}
		if err == nil {
			conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
			if werr := writeIdent(conn, t.self, id, true, t.cfg.Version); werr != nil {
				conn.Close()
				conn = nil
				err = socketErr("handshake write", werr)
			}
		}
		if !t.post(evDialed{peer: id, gen: gen, conn: conn, err: err}) {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if conn == nil {
			return
		}

		h, ack, version, err := readIdent(conn)
		t.post(evReply{peer: id, gen: gen, hdr: h, ack: ack, version: version, err: err})
	}()
}

func (t *Transport) onDialed(e evDialed) {
	p := t.reg.Lookup(e.peer)
	if p == nil || e.gen != p.gen || p.state != StateConnecting {
		if e.conn != nil {
			e.conn.Close()
		}
		return
	}
	if e.err != nil {
		t.metrics.ConnectFailures.Add(1)
		t.log.Debug("oob connect failed", "peer", p.id, "addr", p.active.String(), "error", e.err)
		if unroutable(e.err) {
			p.book.MarkFailed(p.active)
		}
		// Refused, timed out or aborted: Next hands back the same address
		// while its budget lasts, then moves on.
		t.connect(p)
		return
	}
	p.conn = e.conn
	p.state = StateConnectAck
}

// unroutable reports connect errors no retry of the same address fixes.
func unroutable(err error) bool {
	return errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EADDRNOTAVAIL)
}

func (t *Transport) onReply(e evReply) {
	p := t.reg.Lookup(e.peer)
	if p == nil || e.gen != p.gen || p.state != StateConnectAck {
		return
	}
	switch {
	case e.err != nil:
		t.metrics.ConnectFailures.Add(1)
		t.log.Debug("oob handshake failed", "peer", p.id, "error", e.err)
		t.dropConn(p)
		t.connect(p)

	case e.hdr.Type != MsgIdent || e.hdr.Origin != p.id || e.hdr.Dst != t.self:
		t.log.Warn("oob handshake from unexpected peer",
			"peer", p.id, "origin", e.hdr.Origin, "dst", e.hdr.Dst)
		t.dropConn(p)
		p.book.MarkFailed(p.active)
		t.connect(p)

	case !e.ack:
		t.metrics.HandshakeRaces.Add(1)
		t.dropConn(p)
		if t.self.Compare(p.id) > 0 {
			t.log.Debug("oob handshake refused, retrying", "peer", p.id)
			t.connect(p)
			return
		}
		// The other side won the race and is dialing us.
		t.log.Debug("oob handshake refused, waiting for peer", "peer", p.id, "error", ErrHandshakeRace)
		p.state = StateUnconnected
		t.wait(p, t.acceptWait())

	case e.version != t.cfg.Version:
		t.dropConn(p)
		t.mismatch(p, e.version)

	default:
		t.establish(p, "outbound")
	}
}

// acceptWait is how long the loser of a race waits for the winner's
// connection before dialing again.
func (t *Transport) acceptWait() time.Duration {
	if t.cfg.RetryDelay > time.Second {
		return t.cfg.RetryDelay
	}
	return time.Second
}

// exhausted handles a peer with no candidate left.
func (t *Transport) exhausted(p *peer) {
	p.active = nil
	if t.cfg.RetryDelay > 0 && (t.cfg.MaxReconAttempts < 0 || p.reconAttempts < t.cfg.MaxReconAttempts) {
		p.reconAttempts++
		p.book.Reset()
		p.state = StateUnconnected
		t.log.Info("oob peer addresses exhausted, retrying later",
			"peer", p.id, "cycle", p.reconAttempts, "delay", t.cfg.RetryDelay)
		t.wait(p, t.cfg.RetryDelay)
		return
	}
	p.state = StateFailed
	t.unreachable(p, ErrAddressExhausted)
}

func (t *Transport) unreachable(p *peer, err error) {
	t.metrics.PeersUnreachable.Add(1)
	t.log.Warn("oob peer unreachable", "peer", p.id, "error", err)
	t.failQueue(p, err)
	router, id := t.router, p.id
	t.notify(func() { router.Unreachable(id, err) })
}

func (t *Transport) mismatch(p *peer, remote string) {
	t.metrics.ProtocolMismatches.Add(1)
	t.log.Warn("oob protocol version mismatch",
		"peer", p.id, "local", t.cfg.Version, "remote", remote)
	p.state = StateUnconnected
	p.active = nil
	p.book.Reset()
	t.unreachable(p, ErrProtocolMismatch)
}

// wait parks p until an evRetry for its current generation arrives.
func (t *Transport) wait(p *peer, d time.Duration) {
	p.waiting = true
	id, gen := p.id, p.gen
	time.AfterFunc(d, func() {
		t.post(evRetry{peer: id, gen: gen})
	})
}

func (t *Transport) onRetry(e evRetry) {
	p := t.reg.Lookup(e.peer)
	if p == nil || !p.waiting || e.gen != p.gen {
		return
	}
	p.waiting = false
	if p.state == StateUnconnected && p.pending() {
		t.connect(p)
	}
}

// lookup asks the contact directory for a peer we have no address for.
func (t *Transport) lookup(p *peer) {
	if p.lookingUp {
		return
	}
	p.lookingUp = true
	id := p.id
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, lookupTimeout)
		defer cancel()

		contact, err := t.directory.Lookup(ctx, id)
		var addrs []Address
		if err == nil {
			_, addrs, err = ParseContact(contact, t.ifs)
		}
		t.post(evLookup{peer: id, addrs: addrs, err: err})
	}()
}

func (t *Transport) onLookup(e evLookup) {
	p := t.reg.Lookup(e.peer)
	if p == nil {
		return
	}
	p.lookingUp = false
	for _, a := range e.addrs {
		p.book.Add(a)
	}
	if p.book.Len() == 0 {
		t.log.Warn("oob contact lookup failed", "peer", p.id, "error", e.err)
		p.state = StateUnconnected
		t.unreachable(p, ErrNoRoute)
		return
	}
	if p.pending() && (p.state == StateUnconnected || p.state == StateClosed) && !p.waiting {
		t.connect(p)
	}
}

func (t *Transport) onAddContact(e evAddContact) {
	p := t.reg.GetOrCreate(e.id)
	changed := false
	for _, a := range e.addrs {
		if p.book.Add(a) {
			changed = true
		}
	}
	if changed && p.state == StateFailed {
		p.state = StateUnconnected
		p.book.Reset()
		p.reconAttempts = 0
	}
	if p.pending() && (p.state == StateUnconnected || p.state == StateClosed) && !p.waiting && !p.lookingUp {
		t.connect(p)
	}
}

// --- inbound ---

// inbound reads the first frame of an accepted socket off the loop.
func (t *Transport) inbound(conn net.Conn) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
		h, ack, version, err := readIdent(conn)
		if err != nil {
			t.log.Debug("oob inbound handshake read failed", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			return
		}
		if h.Type == MsgProbe {
			if err := writeFrame(conn, h.echo(), nil); err == nil {
				t.metrics.ProbesAnswered.Add(1)
			}
			conn.Close()
			return
		}
		if !t.post(evInbound{conn: conn, hdr: h, ack: ack, version: version}) {
			conn.Close()
		}
	}()
}

func (t *Transport) onInbound(e evInbound) {
	h := e.hdr
	switch {
	case h.Dst != t.self || h.Origin == t.self:
		t.metrics.HandshakesRejected.Add(1)
		t.log.Warn("oob inbound handshake not for us", "origin", h.Origin, "dst", h.Dst)
		e.conn.Close()
		return
	case !e.ack:
		t.metrics.HandshakesRejected.Add(1)
		t.log.Warn("oob inbound handshake without ack", "origin", h.Origin)
		e.conn.Close()
		return
	case e.version != t.cfg.Version:
		t.metrics.ProtocolMismatches.Add(1)
		t.log.Warn("oob protocol version mismatch",
			"peer", h.Origin, "local", t.cfg.Version, "remote", e.version)
		// Answer with our version so the dialer reports the mismatch too.
		t.replyAndClose(e.conn, h.Origin, true)
		return
	}

	p := t.reg.GetOrCreate(h.Origin)
	if p.state.handshaking() {
		t.metrics.HandshakeRaces.Add(1)
		if t.self.Compare(p.id) > 0 {
			t.log.Info("oob simultaneous connect (keeping outbound, refusing inbound)",
				"peer", p.id, "state", p.state, "error", ErrHandshakeRace)
			t.metrics.HandshakesRejected.Add(1)
			t.replyAndClose(e.conn, p.id, false)
			return
		}
		t.log.Info("oob simultaneous connect (accepting inbound, dropping outbound)",
			"peer", p.id, "state", p.state)
		prev := p.state
		t.dropConn(p)
		if p.currentSend != nil {
			p.sendQueue.Unread(p.currentSend)
			p.currentSend = nil
		}
		if prev == StateConnected {
			t.lost(p)
		}
	}

	p.gen++
	p.conn = e.conn
	p.active = nil
	p.state = StateAccepting
	p.waiting = false
	t.metrics.HandshakesAccepted.Add(1)

	id, gen, conn := p.id, p.gen, e.conn
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
		err := writeIdent(conn, t.self, id, true, t.cfg.Version)
		t.post(evAccepted{peer: id, gen: gen, err: err})
	}()
}

// replyAndClose answers an inbound IDENT and closes the socket.
func (t *Transport) replyAndClose(conn net.Conn, dst Identity, ack bool) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		conn.SetDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
		writeIdent(conn, t.self, dst, ack, t.cfg.Version)
		conn.Close()
	}()
}

func (t *Transport) onAccepted(e evAccepted) {
	p := t.reg.Lookup(e.peer)
	if p == nil || e.gen != p.gen || p.state != StateAccepting {
		return
	}
	if e.err != nil {
		t.log.Debug("oob inbound handshake write failed", "peer", p.id, "error", e.err)
		t.closePeer(p, socketErr("handshake write", e.err))
		return
	}
	t.establish(p, "inbound")
}

// --- established / teardown ---

func (t *Transport) establish(p *peer, direction string) {
	p.book.MarkSucceeded(p.active)
	p.reconAttempts = 0
	p.waiting = false
	p.state = StateConnected
	p.lastActivity = t.clock.Now()
	p.conn.SetDeadline(time.Time{})
	p.link = newLink(t, p.id, p.gen, p.conn)
	p.link.start()
	t.connected.Add(1)

	t.log.Info("oob peer connected", "direction", direction, "peer", p.id,
		"remote", p.conn.RemoteAddr().String())
	router, id := t.router, p.id
	t.notify(func() { router.Connected(id) })
	t.pump(p)
}

// dropConn abandons the current socket, if any, and invalidates every
// event still in flight for it.
func (t *Transport) dropConn(p *peer) {
	if p.cancelDial != nil {
		p.cancelDial()
		p.cancelDial = nil
	}
	if p.link != nil {
		p.link.stop()
		p.link = nil
	} else if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.gen++
}

// lost records the end of an established connection.
func (t *Transport) lost(p *peer) {
	t.connected.Add(-1)
	t.metrics.ConnectionsLost.Add(1)
	p.book.MarkClosed(p.active)
	t.log.Info("oob peer lost", "peer", p.id)
	router, id := t.router, p.id
	t.notify(func() { router.Lost(id) })
}

// closePeer tears down p's socket. A no-op unless a socket or attempt
// exists, so Lost is reported at most once per connection. An
// unacknowledged send goes back to the head of the queue; pending sends
// trigger a new connect.
func (t *Transport) closePeer(p *peer, reason error) {
	switch p.state {
	case StateUnconnected, StateClosed, StateFailed:
		return
	}
	prev := p.state
	t.dropConn(p)
	p.state = StateClosed

	if m := p.currentSend; m != nil {
		p.currentSend = nil
		m.retries++
		if m.retries > t.cfg.PeerRetries {
			err := reason
			if err == nil {
				err = ErrSocketIO
			}
			t.complete(m, p.id, err)
		} else {
			p.sendQueue.Unread(m)
		}
	}

	switch prev {
	case StateConnected:
		t.lost(p)
		if p.pending() {
			t.connect(p)
		}
	case StateConnecting, StateConnectAck:
		p.book.MarkFailed(p.active)
		t.connect(p)
	case StateAccepting:
		if p.pending() {
			t.connect(p)
		}
	}
}
