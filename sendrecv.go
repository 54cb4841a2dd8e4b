package oob

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// link drives one established connection. The reader goroutine decodes
// frames and posts them to the event loop; the writer goroutine is handed one message
// at a time by the event loop and reports each completion back. Neither
// goroutine touches peer state.
type link struct {
	t    *Transport
	peer Identity
	gen  uint64
	conn net.Conn

	sendCh chan *message // capacity 1: at most one send in flight
	done   chan struct{}
	once   sync.Once

	lastRead atomic.Int64
}

func newLink(t *Transport, peer Identity, gen uint64, conn net.Conn) *link {
	return &link{
		t:      t,
		peer:   peer,
		gen:    gen,
		conn:   conn,
		sendCh: make(chan *message, 1),
		done:   make(chan struct{}),
	}
}

func (l *link) start() {
	l.t.wg.Add(2)
	go l.readLoop()
	go l.writeLoop()
}

// stop closes the socket and releases both goroutines. Idempotent.
func (l *link) stop() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// send hands m to the writer. The caller guarantees nothing else is in
// flight, so this never blocks.
func (l *link) send(m *message) {
	l.sendCh <- m
}

func (l *link) readLoop() {
	defer l.t.wg.Done()

	// 64KB bufio.Reader so header and small payloads share one read.
	br := bufio.NewReaderSize(l.conn, 64<<10)
	max := l.t.cfg.maxMsgBytes()
	for {
		h, payload, err := readFrame(br, max)
		if err != nil {
			l.fail(err)
			return
		}
		l.lastRead.Store(l.t.clock.Now())
		l.t.metrics.BytesReceived.Add(int64(len(payload)))

		if h.Type != MsgData {
			l.t.log.Warn("oob unexpected frame on established link",
				"peer", l.peer, "type", h.Type)
			continue
		}
		if h.Dst != l.t.self {
			l.t.post(evRelay{hdr: h, payload: payload})
			continue
		}
		l.t.post(evDeliver{hdr: h, payload: payload})
	}
}

func (l *link) writeLoop() {
	defer l.t.wg.Done()

	for {
		select {
		case m := <-l.sendCh:
			err := writeFrame(l.conn, m.header(), m.payload)
			if err != nil {
				err = socketErr("write", err)
			} else {
				l.t.metrics.BytesSent.Add(int64(len(m.payload)))
			}
			l.t.post(evSent{peer: l.peer, gen: l.gen, err: err})
			if err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// fail reports a read-side failure unless the link was stopped on purpose.
func (l *link) fail(err error) {
	select {
	case <-l.done:
		return
	default:
	}
	if !errors.Is(err, ErrOversizedMessage) && !errors.Is(err, io.EOF) {
		err = socketErr("read", err)
	}
	l.t.post(evLinkDown{peer: l.peer, gen: l.gen, err: err})
}
