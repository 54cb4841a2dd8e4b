package oob

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// FlakyDirectory wraps a ContactDirectory with controllable failure
// injection. When disabled, every operation fails. A delay can be added
// before each operation.
type FlakyDirectory struct {
	inner    ContactDirectory
	disabled atomic.Bool  // when true, all operations fail
	delayMs  atomic.Int64 // artificial delay before each operation (ms)
	lookups  atomic.Int64
}

func NewFlakyDirectory(inner ContactDirectory) *FlakyDirectory {
	return &FlakyDirectory{inner: inner}
}

func (f *FlakyDirectory) Disable() { f.disabled.Store(true) }
func (f *FlakyDirectory) Enable()  { f.disabled.Store(false) }

func (f *FlakyDirectory) SetDelay(d time.Duration) {
	f.delayMs.Store(d.Milliseconds())
}

func (f *FlakyDirectory) applyDelay() {
	if ms := f.delayMs.Load(); ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func (f *FlakyDirectory) Publish(ctx context.Context, id Identity, contact string) error {
	if f.disabled.Load() {
		return fmt.Errorf("simulated: directory unavailable")
	}
	f.applyDelay()
	return f.inner.Publish(ctx, id, contact)
}

func (f *FlakyDirectory) Lookup(ctx context.Context, id Identity) (string, error) {
	f.lookups.Add(1)
	if f.disabled.Load() {
		return "", fmt.Errorf("simulated: directory unavailable")
	}
	f.applyDelay()
	return f.inner.Lookup(ctx, id)
}

// orderLog records, per origin, the sequence numbers a receiver saw and
// flags any that went backwards.
type orderLog struct {
	mu        sync.Mutex
	last      map[Identity]uint32
	seen      map[Identity]map[uint32]bool
	reordered atomic.Int64
}

func newOrderLog() *orderLog {
	return &orderLog{last: make(map[Identity]uint32), seen: make(map[Identity]map[uint32]bool)}
}

func (o *orderLog) handler() MessageHandler {
	return func(from Identity, tag, seq uint32, payload []byte) {
		o.mu.Lock()
		defer o.mu.Unlock()
		if seq < o.last[from] {
			o.reordered.Add(1)
		}
		o.last[from] = seq
		if o.seen[from] == nil {
			o.seen[from] = make(map[uint32]bool)
		}
		o.seen[from][seq] = true
	}
}

func (o *orderLog) distinct(from Identity) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.seen[from])
}

// messageSender sends to one peer at a fixed interval and counts every
// completion. A completion that fires twice is recorded as a violation.
type messageSender struct {
	tr       *Transport
	dest     Identity
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup

	issued     atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
}

func newMessageSender(tr *Transport, dest Identity, interval time.Duration) *messageSender {
	return &messageSender{
		tr:       tr,
		dest:     dest,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *messageSender) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				i++
				s.issued.Add(1)
				var fired atomic.Bool
				s.tr.Send(s.dest, 1, []byte(fmt.Sprintf("msg-%d", i)), func(err error) {
					if fired.Swap(true) {
						s.duplicates.Add(1)
						return
					}
					if err != nil {
						s.failed.Add(1)
					} else {
						s.succeeded.Add(1)
					}
				})
			}
		}
	}()
}

func (s *messageSender) Stop() {
	close(s.done)
	s.wg.Wait()
}

// completed reports whether every issued send has completed.
func (s *messageSender) completed() bool {
	return s.succeeded.Load()+s.failed.Load() == s.issued.Load()
}

// chaosConfig reconnects forever with a short delay, so a peer that goes
// away and comes back is picked up again.
func chaosConfig() Config {
	cfg := testConfig()
	cfg.PeerRetries = 1
	cfg.RetryDelay = 100 * time.Millisecond
	cfg.MaxReconAttempts = -1
	return cfg
}

// staticNode starts a transport bound to a fixed port so it can be
// restarted at the same contact.
func staticNode(t *testing.T, self Identity, port int, opts ...Option) *Transport {
	t.Helper()
	cfg := chaosConfig()
	cfg.StaticIPv4Ports = []string{fmt.Sprint(port)}
	opts = append([]Option{WithInterfaces(loopbackIfs())}, opts...)
	tr, err := NewTransport(self, cfg, opts...)
	if err != nil {
		t.Fatalf("NewTransport(%s): %v", self, err)
	}
	if err := tr.Start(); err != nil {
		t.Fatalf("Start(%s): %v", self, err)
	}
	return tr
}
