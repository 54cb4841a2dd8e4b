// oob-demo starts two transports on localhost, sends a message from
// rank 0 to rank 1 and waits for the echo.
//
// Run:  go run ./cmd/oob-demo
package main

import (
	"fmt"
	"log"
	"net"
	"time"

	oob "github.com/ironfang-ltd/go-oob"
)

func main() {
	loopback := []oob.Interface{{Name: "lo", Family: 4, IP: net.IPv4(127, 0, 0, 1).To4(), Mask: 8, Loopback: true}}

	cfg := oob.DefaultConfig()
	cfg.DisableIPv6 = true

	idA := oob.Identity{Namespace: 1, Rank: 0}
	idB := oob.Identity{Namespace: 1, Rank: 1}

	replyCh := make(chan string, 1)

	// Transport B will be assigned after creation; the closure captures the variable.
	var tB *oob.Transport

	// --- Handler A: print any replies it receives ---
	handlerA := func(from oob.Identity, tag, seq uint32, payload []byte) {
		fmt.Printf("[%s] received tag=%d seq=%d from %s: %q\n", idA, tag, seq, from, payload)
		replyCh <- string(payload)
	}

	// --- Handler B: echo every message back ---
	handlerB := func(from oob.Identity, tag, seq uint32, payload []byte) {
		fmt.Printf("[%s] received tag=%d seq=%d from %s: %q\n", idB, tag, seq, from, payload)
		tB.Send(from, tag, []byte("pong"), func(err error) {
			if err != nil {
				log.Printf("[%s] reply error: %v", idB, err)
			}
		})
	}

	router := func(self oob.Identity) oob.Router {
		return oob.RouterFuncs{
			ConnectedFunc: func(id oob.Identity) { fmt.Printf("[%s] connected to %s\n", self, id) },
			LostFunc:      func(id oob.Identity) { fmt.Printf("[%s] lost %s\n", self, id) },
		}
	}

	// --- Start transports ---
	tA, err := oob.NewTransport(idA, cfg, oob.WithHandler(handlerA), oob.WithRouter(router(idA)), oob.WithInterfaces(loopback))
	if err != nil {
		log.Fatalf("NewTransport A: %v", err)
	}
	if err := tA.Start(); err != nil {
		log.Fatalf("Start A: %v", err)
	}
	defer tA.Stop()

	tB, err = oob.NewTransport(idB, cfg, oob.WithHandler(handlerB), oob.WithRouter(router(idB)), oob.WithInterfaces(loopback))
	if err != nil {
		log.Fatalf("NewTransport B: %v", err)
	}
	if err := tB.Start(); err != nil {
		log.Fatalf("Start B: %v", err)
	}
	defer tB.Stop()

	fmt.Printf("%s contact %s\n", idA, tA.ContactURI())
	fmt.Printf("%s contact %s\n", idB, tB.ContactURI())

	// Each side learns the other's contact, as a launcher would arrange.
	if err := tA.AddContact(tB.ContactURI()); err != nil {
		log.Fatalf("AddContact: %v", err)
	}
	if err := tB.AddContact(tA.ContactURI()); err != nil {
		log.Fatalf("AddContact: %v", err)
	}

	fmt.Printf("\n--- Sending ping from %s to %s ---\n", idA, idB)
	tA.Send(idB, 1, []byte("ping"), func(err error) {
		if err != nil {
			log.Printf("[%s] send error: %v", idA, err)
		}
	})

	select {
	case reply := <-replyCh:
		if reply == "pong" {
			fmt.Println("\nOK: round trip complete.")
		} else {
			fmt.Printf("\nFAIL: got %q, want pong\n", reply)
		}
	case <-time.After(5 * time.Second):
		log.Fatal("timeout waiting for reply")
	}

	fmt.Printf("\n%s metrics: %v\n", idA, tA.Metrics().Snapshot())
	fmt.Println("\nDemo complete.")
}
