package oob

// Router is the routing layer above the transport. NextHop picks the
// peer a message to dest is handed to; the other methods observe
// connection lifecycle. Callbacks run on the transport's notification
// goroutine, one at a time, in the order the events happened. They may
// call back into the Transport.
type Router interface {
	NextHop(dest Identity) Identity
	Connected(id Identity)
	Lost(id Identity)
	Unreachable(id Identity, err error)
}

// RouterFuncs adapts optional functions to a Router. A nil NextHopFunc
// routes directly to the destination.
type RouterFuncs struct {
	NextHopFunc     func(dest Identity) Identity
	ConnectedFunc   func(id Identity)
	LostFunc        func(id Identity)
	UnreachableFunc func(id Identity, err error)
}

func (r RouterFuncs) NextHop(dest Identity) Identity {
	if r.NextHopFunc == nil {
		return dest
	}
	return r.NextHopFunc(dest)
}

func (r RouterFuncs) Connected(id Identity) {
	if r.ConnectedFunc != nil {
		r.ConnectedFunc(id)
	}
}

func (r RouterFuncs) Lost(id Identity) {
	if r.LostFunc != nil {
		r.LostFunc(id)
	}
}

func (r RouterFuncs) Unreachable(id Identity, err error) {
	if r.UnreachableFunc != nil {
		r.UnreachableFunc(id, err)
	}
}

// MessageHandler receives every data message addressed to this process.
// It runs on the notifier goroutine together with the Router callbacks,
// in the order the event loop saw them: a peer's Connected comes before
// its first message, and messages from one peer arrive in order. Frames
// already read off a connection that is then dropped are still
// delivered, possibly after Lost. The payload is owned by the handler.
type MessageHandler func(from Identity, tag uint32, seq uint32, payload []byte)
