package oob

// Transport is the out-of-band TCP transport of one process.
//
// Invariants:
//   - One event-loop goroutine owns the peer registry and every peer's
//     state, address book and send queue. Dialers, link readers and
//     writers, handshake readers and the listener never touch peer
//     state: they post immutable events to the loop.
//   - Every event about a socket carries the peer's generation at the
//     time the socket was created. When the loop abandons a socket it
//     bumps the generation, so late events from it are discarded.
//   - At most one socket and one connect attempt exist per peer.
//   - Sends to one peer complete in FIFO order; nothing is promised
//     across peers. Every send's completion fires exactly once.
//   - Router callbacks and send completions run on a single notifier
//     goroutine, never on the event loop, so they may call back in.
//
// Connection setup:
//   - Dialer:   connect → write IDENT(ACK, version) → read IDENT reply.
//   - Acceptor: read IDENT → write IDENT(ACK, version) → connected.
//   - An IDENT NACK means the other side won a simultaneous connect.
//   - If both sides connect simultaneously the greater identity keeps
//     its outbound attempt and NACKs the inbound; the lesser identity
//     drops its attempt and accepts. This converges in one round.

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// eventBuffer is the capacity of the event loop's inbound channel.
const eventBuffer = 1024

// lookupTimeout bounds one contact directory lookup.
const lookupTimeout = 10 * time.Second

// publishTimeout bounds publishing our own contact on Start.
const publishTimeout = 10 * time.Second

type Transport struct {
	self      Identity
	cfg       Config
	log       *slog.Logger
	router    Router
	handler   MessageHandler
	directory ContactDirectory
	metrics   *Metrics
	ifs       []Interface
	bootstrap bool
	contact   string

	ln *listener

	// Event-loop state.
	reg  *registry
	seqs map[Identity]uint32

	events chan any
	notes  *notifier
	clock  *activityClock

	ctx    context.Context
	cancel context.CancelFunc

	apiMu   sync.RWMutex
	stopped bool

	connected atomic.Int64

	started   atomic.Bool
	done      chan struct{}
	loopDone  chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// NewTransport validates cfg, selects interfaces and binds the listening
// sockets. Nothing is accepted or dialed until Start.
func NewTransport(self Identity, cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultTransportOptions(cfg)
	for _, opt := range opts {
		opt(&o)
	}

	ifs := o.ifs
	if ifs == nil {
		all, err := EnumerateInterfaces()
		if err != nil {
			return nil, err
		}
		ifs = all
	}
	ifs, err := FilterInterfaces(ifs, cfg.IfInclude, cfg.IfExclude)
	if err != nil {
		return nil, err
	}

	log := o.log.With("self", self.String())
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		self:      self,
		cfg:       cfg,
		log:       log,
		router:    o.router,
		handler:   o.handler,
		directory: o.directory,
		metrics:   newMetrics(),
		ifs:       ifs,
		bootstrap: o.bootstrap,
		reg:       newRegistry(cfg.PeerRetries),
		seqs:      make(map[Identity]uint32),
		events:    make(chan any, eventBuffer),
		notes:     newNotifier(),
		clock:     newActivityClock(500 * time.Millisecond),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	t.metrics.peersConnectedFn = func() int { return int(t.connected.Load()) }

	t.ln = newListener(&t.cfg, log)
	if err := t.ln.bind(); err != nil {
		cancel()
		return nil, err
	}
	t.contact = FormatContact(self, t.localAddresses())
	return t, nil
}

// Self returns this transport's identity.
func (t *Transport) Self() Identity { return t.self }

// Metrics returns the transport's counters.
func (t *Transport) Metrics() *Metrics { return t.metrics }

// ContactURI returns "identity;uri[;uri]" describing every address other
// processes can reach us on.
func (t *Transport) ContactURI() string { return t.contact }

// Addrs returns the bound listener addresses.
func (t *Transport) Addrs() []*net.TCPAddr { return t.ln.addrs() }

// localAddresses pairs every selected interface with the listener port
// of its family.
func (t *Transport) localAddresses() []Address {
	var out []Address
	for _, la := range t.ln.addrs() {
		family := 4
		if la.IP.To4() == nil {
			family = 6
		}
		for _, ifc := range t.ifs {
			if ifc.Family != family {
				continue
			}
			out = append(out, Address{Family: family, IP: ifc.IP, Port: la.Port, Mask: ifc.Mask})
		}
	}
	return out
}

// Start publishes our contact (when a directory is configured), begins
// accepting and starts the event loop. Non-blocking. A failed Start is
// terminal: later calls return the same error and the transport must be
// stopped and replaced.
func (t *Transport) Start() error {
	t.startOnce.Do(func() {
		if t.directory != nil {
			ctx, cancel := context.WithTimeout(t.ctx, publishTimeout)
			err := t.directory.Publish(ctx, t.self, t.contact)
			cancel()
			if err != nil {
				t.startErr = fmt.Errorf("oob publish contact: %w", err)
				return
			}
		}

		t.started.Store(true)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.clock.run(t.ctx)
		}()
		go t.notes.run()
		go t.loop()
		if t.bootstrap {
			t.ln.startBootstrap()
		} else {
			t.ln.startSteady()
		}
		t.log.Info("oob transport started", "contact", t.contact, "bootstrap", t.bootstrap)
	})
	return t.startErr
}

// EndBootstrap switches the listener from the bootstrap accept loop to
// steady-state accepting. No-op when bootstrap mode was never used.
func (t *Transport) EndBootstrap() {
	t.ln.endBootstrap()
}

// Stop closes every connection and the listeners, completes all pending
// sends with ErrShutdown and waits for every goroutine to exit. Safe to
// call multiple times. Must not be called from a Router callback or a
// send completion.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		t.apiMu.Lock()
		t.stopped = true
		t.apiMu.Unlock()

		t.cancel()
		t.ln.close()
		close(t.done)

		if !t.started.Load() {
			return
		}
		<-t.loopDone
		t.wg.Wait()

		// Helpers may have posted between the loop's last drain and exit.
		t.drainEvents()
		t.notes.close()
		t.log.Info("oob transport stopped")
	})
}

// Send queues payload for dest. done (may be nil) is called exactly once:
// with nil after the message was written to the socket, or with a
// *SendError otherwise. Send never blocks on the network.
func (t *Transport) Send(dest Identity, tag uint32, payload []byte, done func(error)) {
	m := &message{origin: t.self, dst: dest, tag: tag, payload: payload, done: done}
	if !t.postAPI(evSend{m: m}) && done != nil {
		done(&SendError{Peer: dest, Err: ErrShutdown})
	}
}

// SendSync is Send that waits for the completion or ctx.
func (t *Transport) SendSync(ctx context.Context, dest Identity, tag uint32, payload []byte) error {
	ch := make(chan error, 1)
	t.Send(dest, tag, payload, func(err error) { ch <- err })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddContact registers the addresses of "identity;uri[;uri]". A failed
// peer that learns a new address becomes eligible for connecting again.
func (t *Transport) AddContact(contact string) error {
	id, addrs, err := ParseContact(contact, t.ifs)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("oob: contact %q has no addresses", contact)
	}
	if !t.postAPI(evAddContact{id: id, addrs: addrs}) {
		return ErrShutdown
	}
	return nil
}

// ClosePeer tears down the connection to id, if any. Idempotent.
func (t *Transport) ClosePeer(id Identity) {
	t.postAPI(evClose{peer: id})
}

// Peers returns a snapshot of every known peer.
func (t *Transport) Peers() []PeerInfo {
	var out []PeerInfo
	t.call(func() {
		t.reg.ForEach(func(p *peer) {
			pi := p.info()
			if p.link != nil {
				if lr := p.link.lastRead.Load(); lr > pi.LastActivity {
					pi.LastActivity = lr
				}
			}
			out = append(out, pi)
		})
	})
	return out
}

// PeerState returns the connection state of id (StateUnconnected for an
// unknown peer).
func (t *Transport) PeerState(id Identity) ConnState {
	state := StateUnconnected
	t.call(func() {
		if p := t.reg.Lookup(id); p != nil {
			state = p.state
		}
	})
	return state
}

// Ping checks that id answers on one of its addresses. It opens a fresh
// socket per attempt, sends a probe and waits for the echo, without
// disturbing the regular connection.
func (t *Transport) Ping(ctx context.Context, id Identity) error {
	var addrs []Address
	t.call(func() {
		if p := t.reg.Lookup(id); p != nil {
			addrs = p.book.All()
		}
	})
	if len(addrs) == 0 && t.directory != nil {
		contact, err := t.directory.Lookup(ctx, id)
		if err != nil {
			return fmt.Errorf("oob ping %s: %w: %w", id, ErrNoRoute, err)
		}
		if _, addrs, err = ParseContact(contact, t.ifs); err != nil {
			return fmt.Errorf("oob ping %s: %w", id, err)
		}
	}
	if len(addrs) == 0 {
		return fmt.Errorf("oob ping %s: %w", id, ErrNoRoute)
	}

	var lastErr error
	for _, a := range addrs {
		if lastErr = t.probe(ctx, id, a); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("oob ping %s: %w", id, lastErr)
}

func (t *Transport) probe(ctx context.Context, id Identity, a Address) error {
	d := net.Dialer{Timeout: t.cfg.ConnectTimeout, KeepAlive: -1}
	conn, err := d.DialContext(ctx, a.network(), a.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if err := writeFrame(conn, Header{Origin: t.self, Dst: id, Type: MsgProbe}, nil); err != nil {
		return socketErr("probe write", err)
	}
	h, err := readHeader(conn)
	if err != nil {
		return socketErr("probe read", err)
	}
	if h.Type != MsgProbe || h.Dst != t.self {
		return fmt.Errorf("oob: unexpected probe reply %s from %s", h.Type, h.Origin)
	}
	return nil
}

// --- event plumbing ---

// post delivers an event from a helper goroutine. Returns false once the
// transport is stopping.
func (t *Transport) post(ev any) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

// postAPI is post for public API calls. After Stop begins no API event
// enters the loop, so nothing is left behind for the final drain.
func (t *Transport) postAPI(ev any) bool {
	t.apiMu.RLock()
	defer t.apiMu.RUnlock()
	if t.stopped || !t.started.Load() {
		return false
	}
	return t.post(ev)
}

// call runs fn on the event loop and waits for it.
func (t *Transport) call(fn func()) bool {
	ch := make(chan struct{})
	if !t.postAPI(evCall{fn: func() { fn(); close(ch) }}) {
		return false
	}
	select {
	case <-ch:
		return true
	case <-t.loopDone:
		return false
	}
}

func (t *Transport) loop() {
	defer close(t.loopDone)
	for {
		select {
		case ev := <-t.events:
			t.handle(ev)
		case conn := <-t.ln.handoff:
			t.inbound(conn)
		case <-t.done:
			t.shutdown()
			return
		}
	}
}

// notify queues a router callback or completion for the notifier.
func (t *Transport) notify(fn func()) {
	t.notes.push(fn)
}

// shutdown runs on the loop once Stop begins.
func (t *Transport) shutdown() {
	t.reg.ForEach(func(p *peer) {
		if p.state == StateConnected {
			t.connected.Add(-1)
		}
		t.dropConn(p)
		p.state = StateClosed
		t.failQueue(p, ErrShutdown)
	})
	t.drainEvents()
}

// drainEvents disposes of events nobody will handle.
func (t *Transport) drainEvents() {
	for {
		select {
		case ev := <-t.events:
			switch e := ev.(type) {
			case evSend:
				t.complete(e.m, e.m.dst, ErrShutdown)
			case evDialed:
				if e.conn != nil {
					e.conn.Close()
				}
			case evInbound:
				e.conn.Close()
			case evCall:
				// Callers wait on loopDone instead.
			}
		case conn := <-t.ln.handoff:
			conn.Close()
		default:
			return
		}
	}
}

// notifier runs callbacks one at a time, in order, off the event loop.
type notifier struct {
	q      *RingBuffer[func()]
	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		q:      NewRingBuffer[func()](64, 0),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (n *notifier) push(fn func()) {
	n.q.Write(fn)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.exited)
	for {
		n.runPending()
		select {
		case <-n.wake:
		case <-n.done:
			n.runPending()
			return
		}
	}
}

func (n *notifier) runPending() {
	for {
		fn, ok := n.q.Read()
		if !ok {
			return
		}
		fn()
	}
}

// close runs whatever is queued and stops the notifier.
func (n *notifier) close() {
	close(n.done)
	<-n.exited
}
