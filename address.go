package oob

import (
	"net"
	"strconv"
)

// AddrState tracks whether an address is still worth dialing.
type AddrState int

const (
	AddrUnconnected AddrState = iota
	AddrFailed
	AddrClosed
)

func (s AddrState) String() string {
	switch s {
	case AddrUnconnected:
		return "unconnected"
	case AddrFailed:
		return "failed"
	case AddrClosed:
		return "closed"
	}
	return "unknown"
}

// Address is one candidate endpoint of a peer.
type Address struct {
	Family  int // 4 or 6
	IP      net.IP
	Port    int
	Mask    int
	Retries int
	State   AddrState
}

func (a *Address) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

func (a *Address) network() string {
	if a.Family == 6 {
		return "tcp6"
	}
	return "tcp4"
}

func (a *Address) same(o *Address) bool {
	return a.Port == o.Port && a.IP.Equal(o.IP)
}

// AddressBook holds a peer's addresses in discovery order and hands out
// connect candidates. It is owned by a single peer and not safe for
// concurrent use.
type AddressBook struct {
	addrs      []*Address
	maxRetries int
}

// NewAddressBook returns an empty book. Each address may be attempted
// maxRetries+1 times before it is marked failed.
func NewAddressBook(maxRetries int) *AddressBook {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &AddressBook{maxRetries: maxRetries}
}

// Add appends a copy of a unless the same ip:port is already known.
// Reports whether the book changed.
func (b *AddressBook) Add(a Address) bool {
	for _, have := range b.addrs {
		if have.same(&a) {
			return false
		}
	}
	a.Retries = 0
	a.State = AddrUnconnected
	b.addrs = append(b.addrs, &a)
	return true
}

// Next returns the first address in discovery order that is not failed
// and still has attempts left, charging it one attempt. An address whose
// budget runs out with this attempt is kept usable for it and skipped
// afterwards and marked failed. ok is false when the book is exhausted.
func (b *AddressBook) Next() (*Address, bool) {
	for _, a := range b.addrs {
		if a.State == AddrFailed {
			continue
		}
		if a.Retries > b.maxRetries {
			a.State = AddrFailed
			continue
		}
		a.Retries++
		a.State = AddrUnconnected
		return a, true
	}
	return nil, false
}

// MarkFailed takes a out of rotation until Reset.
func (b *AddressBook) MarkFailed(a *Address) {
	if a != nil {
		a.State = AddrFailed
	}
}

// MarkSucceeded clears a's retry counter after a completed handshake.
func (b *AddressBook) MarkSucceeded(a *Address) {
	if a != nil {
		a.Retries = 0
		a.State = AddrUnconnected
	}
}

// MarkClosed records that the connection over a was torn down.
func (b *AddressBook) MarkClosed(a *Address) {
	if a != nil && a.State != AddrFailed {
		a.State = AddrClosed
	}
}

// Reset returns every address to its initial state for a new
// reconnect cycle.
func (b *AddressBook) Reset() {
	for _, a := range b.addrs {
		a.Retries = 0
		a.State = AddrUnconnected
	}
}

// Exhausted reports whether Next would return nothing.
func (b *AddressBook) Exhausted() bool {
	for _, a := range b.addrs {
		if a.State != AddrFailed && a.Retries <= b.maxRetries {
			return false
		}
	}
	return true
}

func (b *AddressBook) Len() int { return len(b.addrs) }

// All returns copies of the addresses in discovery order.
func (b *AddressBook) All() []Address {
	out := make([]Address, len(b.addrs))
	for i, a := range b.addrs {
		out[i] = *a
	}
	return out
}
