package oob

// Chaos tests check the connection state machine under failure.
//
// Invariants verified:
//   - Every send completes exactly once, success or failure.
//   - Per-origin order: a receiver never sees a sequence number go
//     backwards. Duplicates after a reconnect are acceptable, reordering
//     is not.
//   - The sender reconnects on its own once the peer is reachable again.

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Chaos 1: Crash mid-traffic
//
// A streams to B. B stops abruptly and is restarted at the same port.
// Ensure: A reconnects without help and traffic resumes in order.
// ---------------------------------------------------------------------------

func TestChaos_CrashMidTraffic(t *testing.T) {
	port := closedPort(t)
	a := newTestTransport(t, id(0), chaosConfig())

	logB := newOrderLog()
	b := staticNode(t, id(1), port, WithHandler(logB.handler()))
	a.AddContact(b.ContactURI())

	sender := newMessageSender(a, id(1), 5*time.Millisecond)
	sender.Start()

	waitFor(t, 5*time.Second, "traffic to B", func() bool { return logB.distinct(id(0)) >= 50 })

	t.Log("crashing B")
	b.Stop()
	time.Sleep(300 * time.Millisecond)

	t.Log("restarting B")
	logB2 := newOrderLog()
	b2 := staticNode(t, id(1), port, WithHandler(logB2.handler()))
	defer b2.Stop()

	waitFor(t, 10*time.Second, "traffic to restarted B", func() bool { return logB2.distinct(id(0)) >= 50 })
	sender.Stop()
	waitFor(t, 10*time.Second, "all completions", sender.completed)

	if n := sender.duplicates.Load(); n != 0 {
		t.Errorf("%d completions fired twice", n)
	}
	if n := logB.reordered.Load() + logB2.reordered.Load(); n != 0 {
		t.Errorf("%d messages arrived out of order", n)
	}
	if a.Metrics().ConnectionsLost.Load() < 1 {
		t.Error("crash was not observed as a lost connection")
	}
	t.Logf("issued=%d ok=%d failed=%d", sender.issued.Load(), sender.succeeded.Load(), sender.failed.Load())
}

// ---------------------------------------------------------------------------
// Chaos 2: Link churn
//
// A streams to B while B keeps tearing the connection down. Ensure:
// nothing is reordered, every completion fires once, and the link comes
// back each time.
// ---------------------------------------------------------------------------

func TestChaos_LinkChurn(t *testing.T) {
	logB := newOrderLog()
	a := newTestTransport(t, id(0), chaosConfig())
	b := newTestTransport(t, id(1), chaosConfig(), WithHandler(logB.handler()))
	a.AddContact(b.ContactURI())

	sender := newMessageSender(a, id(1), 2*time.Millisecond)
	sender.Start()

	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		b.ClosePeer(id(0))
	}
	before := logB.distinct(id(0))
	waitFor(t, 10*time.Second, "traffic after churn", func() bool { return logB.distinct(id(0)) > before+20 })

	sender.Stop()
	waitFor(t, 10*time.Second, "all completions", sender.completed)

	if n := sender.duplicates.Load(); n != 0 {
		t.Errorf("%d completions fired twice", n)
	}
	if n := logB.reordered.Load(); n != 0 {
		t.Errorf("%d messages arrived out of order", n)
	}
	if got := b.Metrics().ConnectionsLost.Load(); got < 1 {
		t.Errorf("ConnectionsLost = %d, want >= 1", got)
	}
}

// ---------------------------------------------------------------------------
// Chaos 3: Directory outage
//
// A learns B only through the directory. While the directory is down,
// sends fail with no route. After it recovers, new sends get through.
// ---------------------------------------------------------------------------

func TestChaos_DirectoryOutage(t *testing.T) {
	mem := NewMemoryDirectory()
	flaky := NewFlakyDirectory(mem)

	handler, ch := inbox(1)
	a := newTestTransport(t, id(0), testConfig(), WithDirectory(flaky))
	newTestTransport(t, id(1), testConfig(), WithDirectory(mem), WithHandler(handler))

	flaky.Disable()
	err := a.SendSync(t.Context(), id(1), 0, []byte("lost"))
	if err == nil {
		t.Fatal("send during directory outage succeeded")
	}
	if a.PeerState(id(1)) == StateConnected {
		t.Fatal("connected without a contact")
	}

	flaky.Enable()
	flaky.SetDelay(50 * time.Millisecond)
	if err := a.SendSync(t.Context(), id(1), 0, []byte("found")); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
	if m := <-ch; m.payload != "found" {
		t.Errorf("payload %q, want found", m.payload)
	}
	if got := flaky.lookups.Load(); got != 2 {
		t.Errorf("lookups = %d, want 2", got)
	}
}
