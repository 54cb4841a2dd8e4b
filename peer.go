package oob

import (
	"context"
	"net"
)

// ConnState is the single connection state of a peer.
type ConnState int

const (
	StateUnconnected ConnState = iota
	StateConnecting            // dial in flight
	StateConnectAck            // IDENT sent, waiting for the reply
	StateAccepting             // inbound IDENT accepted, reply in flight
	StateConnected
	StateClosed
	StateFailed // every address exhausted
)

func (s ConnState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectAck:
		return "connect_ack"
	case StateAccepting:
		return "accepting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// handshaking reports whether an outbound attempt or live connection
// exists that an inbound IDENT would race with.
func (s ConnState) handshaking() bool {
	return s == StateConnecting || s == StateConnectAck || s == StateConnected || s == StateAccepting
}

// message is one queued send.
type message struct {
	origin  Identity
	dst     Identity
	tag     uint32
	seq     uint32
	payload []byte
	retries int
	done    func(error)
}

func (m *message) header() Header {
	return Header{Origin: m.origin, Dst: m.dst, Type: MsgData, Tag: m.tag, SeqNum: m.seq}
}

// peer is everything known about one remote identity. Owned by the
// transport's event loop; never touched from another goroutine.
type peer struct {
	id     Identity
	book   *AddressBook
	active *Address
	state  ConnState

	// gen increments whenever the current socket or attempt is abandoned.
	// Events carrying an older gen are stale.
	gen  uint64
	conn net.Conn
	link *link
	// cancelDial abandons the dial of the current attempt.
	cancelDial context.CancelFunc

	sendQueue   *RingBuffer[*message]
	currentSend *message

	reconAttempts int
	lookingUp     bool
	// waiting is set while a retry timer owns the next connect.
	waiting      bool
	lastActivity int64
}

func newPeer(id Identity, maxRetries int) *peer {
	return &peer{
		id:        id,
		book:      NewAddressBook(maxRetries),
		sendQueue: NewRingBuffer[*message](4, 0),
	}
}

// pending reports whether any send is waiting on this peer.
func (p *peer) pending() bool {
	return p.currentSend != nil || p.sendQueue.Len() > 0
}

// PeerInfo is a point-in-time view of a peer for diagnostics.
type PeerInfo struct {
	ID           Identity   `json:"id"`
	State        string     `json:"state"`
	Active       string     `json:"active,omitempty"`
	QueueDepth   int        `json:"queue_depth"`
	InFlight     bool       `json:"in_flight"`
	ReconAttempt int        `json:"recon_attempts"`
	LastActivity int64      `json:"last_activity,omitempty"`
	Addresses    []AddrInfo `json:"addresses"`
}

// AddrInfo describes one address of a PeerInfo.
type AddrInfo struct {
	Addr    string `json:"addr"`
	Retries int    `json:"retries"`
	State   string `json:"state"`
}

func (p *peer) info() PeerInfo {
	pi := PeerInfo{
		ID:           p.id,
		State:        p.state.String(),
		QueueDepth:   p.sendQueue.Len(),
		InFlight:     p.currentSend != nil,
		ReconAttempt: p.reconAttempts,
		LastActivity: p.lastActivity,
	}
	if p.active != nil {
		pi.Active = p.active.String()
	}
	for _, a := range p.book.All() {
		pi.Addresses = append(pi.Addresses, AddrInfo{Addr: a.String(), Retries: a.Retries, State: a.State.String()})
	}
	return pi
}
