// oob-node runs one OOB transport endpoint as a standalone daemon.
//
// Run:
//
//	oob-node run  --id 1.0 --head --config oob.yaml --admin 127.0.0.1:9090
//	oob-node run  --id 1.1 --contact "1.0;tcp://10.0.0.1:5000" --send 1.0
//	oob-node ping --id 1.99 --target 1.0 --dsn postgres://...
//	oob-node migrate --dsn postgres://...
//
// Configuration comes from --config (any format viper reads) and OOB_*
// environment variables, e.g. OOB_PEER_RETRIES=5. With --dsn the
// process publishes its contact to Postgres and looks peers up there.
//
// Admin endpoints (with --admin):
//
//	GET /oob/status           identity, contact, listeners, metrics
//	GET /oob/peers            per-peer connection state
//	GET /oob/ping?id=1.0      probe a peer
//	GET /oob/contacts         contact directory
//	GET /metrics              Prometheus exposition
//	GET /debug/vars           expvar metrics
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"

	oob "github.com/ironfang-ltd/go-oob"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "oob-node: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: oob-node run|ping|migrate [flags]")
	}
	switch args[0] {
	case "run":
		return runNode(args[1:])
	case "ping":
		return runPing(args[1:])
	case "migrate":
		return runMigrate(args[1:])
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// contactList collects repeated --contact flags.
type contactList []string

func (c *contactList) String() string     { return strings.Join(*c, " ") }
func (c *contactList) Set(s string) error { *c = append(*c, s); return nil }

type commonFlags struct {
	id       string
	config   string
	dsn      string
	logLevel string
	contacts contactList
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.id, "id", "", "our identity, namespace.rank")
	fs.StringVar(&c.config, "config", "", "config file (yaml, toml, json)")
	fs.StringVar(&c.dsn, "dsn", "", "Postgres connection string for the contact directory")
	fs.StringVar(&c.logLevel, "log-level", "info", "debug, info, warn, error")
	fs.Var(&c.contacts, "contact", `peer contact "ns.rank;tcp://host:port" (repeatable)`)
}

// setup parses the common flags and builds a transport, ready to Start.
func (c *commonFlags) setup(ctx context.Context, opts ...oob.Option) (*oob.Transport, func(), error) {
	level, err := oob.ParseLogLevel(c.logLevel)
	if err != nil {
		return nil, nil, err
	}
	oob.InitLogger(level)

	self, err := oob.ParseIdentity(c.id)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := oob.LoadConfig(c.config)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	if c.dsn != "" {
		db, err := sql.Open("pgx", c.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := oob.MigrateSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("schema migration: %w", err)
		}
		opts = append(opts, oob.WithDirectory(oob.NewSQLDirectory(db)))
		cleanup = func() { db.Close() }
	}

	t, err := oob.NewTransport(self, *cfg, opts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return t, cleanup, nil
}

func (c *commonFlags) addContacts(t *oob.Transport) error {
	for _, contact := range c.contacts {
		if err := t.AddContact(contact); err != nil {
			return fmt.Errorf("contact %q: %w", contact, err)
		}
	}
	return nil
}

func runNode(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	head := fs.Bool("head", false, "run the bootstrap accept loop (head process)")
	bootstrapWindow := fs.Duration("bootstrap-window", 30*time.Second, "how long the head keeps the bootstrap accept loop")
	adminAddr := fs.String("admin", "", "admin HTTP address (empty = disabled)")
	send := fs.String("send", "", "peer to send a hello message to every --interval")
	interval := fs.Duration("interval", 5*time.Second, "hello interval")
	echo := fs.Bool("echo", false, "answer every message with the same tag and payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var t *oob.Transport
	handler := func(from oob.Identity, tag, seq uint32, payload []byte) {
		slog.Info("message received", "from", from, "tag", tag, "seq", seq, "bytes", len(payload))
		if *echo && t != nil {
			t.Send(from, tag, payload, nil)
		}
	}
	router := oob.RouterFuncs{
		ConnectedFunc: func(id oob.Identity) { slog.Info("peer up", "peer", id) },
		LostFunc:      func(id oob.Identity) { slog.Info("peer down", "peer", id) },
		UnreachableFunc: func(id oob.Identity, err error) {
			slog.Warn("peer unreachable", "peer", id, "error", err)
		},
	}

	opts := []oob.Option{oob.WithHandler(handler), oob.WithRouter(router)}
	if *head {
		opts = append(opts, oob.WithBootstrapAccept(true))
	}
	t, cleanup, err := common.setup(ctx, opts...)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := t.Start(); err != nil {
		return err
	}
	defer t.Stop()
	if err := common.addContacts(t); err != nil {
		return err
	}
	fmt.Println(t.ContactURI())

	if *adminAddr != "" {
		as, err := oob.NewAdminServer(t, *adminAddr)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		as.Start()
		defer as.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)

	if *head {
		g.Go(func() error {
			select {
			case <-time.After(*bootstrapWindow):
				t.EndBootstrap()
			case <-ctx.Done():
			}
			return nil
		})
	}

	if *send != "" {
		dest, err := oob.ParseIdentity(*send)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return helloLoop(ctx, t, dest, *interval)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	return g.Wait()
}

func helloLoop(ctx context.Context, t *oob.Transport, dest oob.Identity, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		payload := []byte(fmt.Sprintf("hello %d from %s", n, t.Self()))
		t.Send(dest, 1, payload, func(err error) {
			if err != nil {
				slog.Warn("hello failed", "peer", dest, "error", err)
			}
		})
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func runPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	target := fs.String("target", "", "identity to ping")
	timeout := fs.Duration("timeout", 10*time.Second, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if common.id == "" {
		common.id = "4294967295.4294967295"
	}
	dest, err := oob.ParseIdentity(*target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	t, cleanup, err := common.setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := t.Start(); err != nil {
		return err
	}
	defer t.Stop()
	if err := common.addContacts(t); err != nil {
		return err
	}

	start := time.Now()
	if err := t.Ping(ctx, dest); err != nil {
		return err
	}
	fmt.Printf("%s reachable in %s\n", dest, time.Since(start).Round(time.Microsecond))
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "Postgres connection string")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dsn == "" {
		return errors.New("migrate: --dsn is required")
	}
	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return oob.MigrateSchema(ctx, db)
}
