package oob

import (
	"log/slog"
)

type Option func(*transportOptions)

type transportOptions struct {
	router    Router
	handler   MessageHandler
	log       *slog.Logger
	directory ContactDirectory

	// ifs replaces interface enumeration (tests, containers).
	ifs []Interface

	// bootstrap selects the harvester accept loop at Start.
	bootstrap bool
}

func defaultTransportOptions(cfg Config) transportOptions {
	return transportOptions{
		router:    RouterFuncs{},
		log:       slog.Default(),
		bootstrap: cfg.BootstrapAccept,
	}
}

func WithRouter(r Router) Option {
	return func(o *transportOptions) {
		o.router = r
	}
}

func WithHandler(h MessageHandler) Option {
	return func(o *transportOptions) {
		o.handler = h
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *transportOptions) {
		o.log = l
	}
}

// WithDirectory publishes our contact on Start and resolves peers that
// have no known address.
func WithDirectory(d ContactDirectory) Option {
	return func(o *transportOptions) {
		o.directory = d
	}
}

// WithInterfaces replaces interface enumeration with a fixed list. The
// if_include / if_exclude filters still apply.
func WithInterfaces(ifs []Interface) Option {
	return func(o *transportOptions) {
		o.ifs = ifs
	}
}

// WithBootstrapAccept overrides Config.BootstrapAccept.
func WithBootstrapAccept(on bool) Option {
	return func(o *transportOptions) {
		o.bootstrap = on
	}
}
