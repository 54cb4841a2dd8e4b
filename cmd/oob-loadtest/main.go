// oob-loadtest launches a job of N transports in one process and drives
// traffic between random pairs. Rank 0 acts as the head and runs the
// bootstrap accept loop while every other rank connects to it at once,
// like a real launch; after that, workers send to random ranks, which
// are resolved through the contact directory on first use.
//
// Run:  go run ./cmd/oob-loadtest -profile medium -duration 20s
//
// With -dsn the contact directory lives in Postgres instead of memory.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	oob "github.com/ironfang-ltd/go-oob"
)

type profile struct {
	name     string
	ranks    int
	workers  int
	payload  int
	inflight int
}

var profiles = map[string]profile{
	"small":  {name: "small", ranks: 4, workers: 2, payload: 256, inflight: 64},
	"medium": {name: "medium", ranks: 16, workers: 4, payload: 1024, inflight: 256},
	"large":  {name: "large", ranks: 64, workers: 4, payload: 4096, inflight: 512},
}

type rankEntry struct {
	t        *oob.Transport
	received atomic.Int64
}

func main() {
	profileName := flag.String("profile", "small", "preset profile: small, medium, large")
	ranksFlag := flag.Int("ranks", 0, "number of ranks (overrides profile)")
	duration := flag.Duration("duration", 10*time.Second, "test duration")
	dsn := flag.String("dsn", "", "Postgres connection string (empty = in-memory directory)")
	flag.Parse()

	p, ok := profiles[*profileName]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown profile %q (valid: small, medium, large)\n", *profileName)
		os.Exit(1)
	}
	if *ranksFlag > 1 {
		p.ranks = *ranksFlag
	}

	oob.InitLogger(slog.LevelWarn)

	var dir oob.ContactDirectory = oob.NewMemoryDirectory()
	if *dsn != "" {
		db, err := sql.Open("pgx", *dsn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := oob.MigrateSchema(context.Background(), db); err != nil {
			fmt.Fprintf(os.Stderr, "schema migration error: %v\n", err)
			os.Exit(1)
		}
		dir = oob.NewSQLDirectory(db)
	}

	fmt.Printf("oob load test\n")
	fmt.Printf("  profile:  %s\n", p.name)
	fmt.Printf("  ranks:    %d\n", p.ranks)
	fmt.Printf("  workers:  %d per rank\n", p.workers)
	fmt.Printf("  payload:  %d bytes\n", p.payload)
	fmt.Printf("  duration: %s\n\n", *duration)

	ranks := launch(p, dir)

	stop := make(chan struct{})
	start := time.Now()
	cpuStart := processCPUTime()

	var wg sync.WaitGroup
	var sent, failed atomic.Int64
	payload := make([]byte, p.payload)

	for i, re := range ranks {
		for range p.workers {
			wg.Add(1)
			go func(self int, t *oob.Transport) {
				defer wg.Done()
				sem := make(chan struct{}, p.inflight)
				for {
					select {
					case <-stop:
						return
					case sem <- struct{}{}:
					}
					dest := rand.IntN(len(ranks))
					if dest == self {
						dest = (dest + 1) % len(ranks)
					}
					t.Send(oob.Identity{Namespace: 1, Rank: uint32(dest)}, 1, payload, func(err error) {
						if err != nil {
							failed.Add(1)
						} else {
							sent.Add(1)
						}
						<-sem
					})
				}
			}(i, re.t)
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	go func() {
		for range ticker.C {
			printProgress(ranks, time.Since(start), sent.Load(), failed.Load())
		}
	}()

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	ticker.Stop()

	elapsed := time.Since(start)
	cpu := processCPUTime() - cpuStart

	fmt.Printf("\n--- stopping ranks ---\n")
	var stopWg sync.WaitGroup
	for _, re := range ranks {
		stopWg.Add(1)
		go func(t *oob.Transport) {
			defer stopWg.Done()
			t.Stop()
		}(re.t)
	}
	stopWg.Wait()

	var received int64
	for _, re := range ranks {
		received += re.received.Load()
	}

	fmt.Printf("\n=== FINAL SUMMARY ===\n")
	fmt.Printf("  Duration:        %s\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("  Sent:            %d\n", sent.Load())
	fmt.Printf("  Failed:          %d\n", failed.Load())
	fmt.Printf("  Received:        %d\n", received)
	fmt.Printf("  Aggregate MPS:   %.0f\n", float64(sent.Load())/elapsed.Seconds())
	fmt.Printf("  Throughput:      %.1f MiB/s\n", float64(sent.Load()*int64(p.payload))/elapsed.Seconds()/(1<<20))
	fmt.Printf("  CPU time:        %s (%.0f%% of one core)\n\n", cpu.Truncate(time.Millisecond), 100*cpu.Seconds()/elapsed.Seconds())
}

// launch starts every rank, publishes contacts and has every non-head
// rank say hello to the head while it is in bootstrap mode.
func launch(p profile, dir oob.ContactDirectory) []*rankEntry {
	loopback := []oob.Interface{{Name: "lo", Family: 4, IP: net.IPv4(127, 0, 0, 1).To4(), Mask: 8, Loopback: true}}
	cfg := oob.DefaultConfig()
	cfg.DisableIPv6 = true

	ranks := make([]*rankEntry, p.ranks)
	for i := range ranks {
		re := &rankEntry{}
		id := oob.Identity{Namespace: 1, Rank: uint32(i)}
		t, err := oob.NewTransport(id, cfg,
			oob.WithDirectory(dir),
			oob.WithInterfaces(loopback),
			oob.WithBootstrapAccept(i == 0),
			oob.WithHandler(func(oob.Identity, uint32, uint32, []byte) { re.received.Add(1) }),
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "transport error: %v\n", err)
			os.Exit(1)
		}
		if err := t.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "start error: %v\n", err)
			os.Exit(1)
		}
		re.t = t
		ranks[i] = re
	}

	head := oob.Identity{Namespace: 1, Rank: 0}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	launchStart := time.Now()
	var wg sync.WaitGroup
	for _, re := range ranks[1:] {
		wg.Add(1)
		go func(t *oob.Transport) {
			defer wg.Done()
			if err := t.SendSync(ctx, head, 0, []byte("hello")); err != nil {
				fmt.Fprintf(os.Stderr, "%s hello failed: %v\n", t.Self(), err)
			}
		}(re.t)
	}
	wg.Wait()
	ranks[0].t.EndBootstrap()
	fmt.Printf("launch: %d ranks wired up to head in %s\n\n", len(ranks)-1, time.Since(launchStart).Truncate(time.Millisecond))
	return ranks
}

func printProgress(ranks []*rankEntry, elapsed time.Duration, sent, failed int64) {
	secs := elapsed.Seconds()
	fmt.Printf("[%s] sent=%d failed=%d mps=%.0f\n", elapsed.Truncate(time.Second), sent, failed, float64(sent)/secs)
	fmt.Printf("  %-8s %10s %10s %10s %10s %8s\n", "RANK", "SENT", "RECV", "CONNECT", "RACES", "PEERS")
	for _, re := range ranks {
		s := re.t.Metrics().Snapshot()
		fmt.Printf("  %-8s %10d %10d %10d %10d %8d\n",
			re.t.Self(),
			s["messages_sent"],
			s["messages_received"],
			s["connect_attempts"],
			s["handshake_races"],
			s["peers_connected"],
		)
	}
	fmt.Println()
}
