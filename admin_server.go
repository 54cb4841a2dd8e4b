package oob

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// adminPingTimeout bounds GET /oob/ping.
const adminPingTimeout = 10 * time.Second

// AdminServer exposes operational endpoints for a Transport over HTTP.
// All responses are JSON except /metrics. Intended for admin/internal
// networks only.
type AdminServer struct {
	t        *Transport
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address.
// The server is not started until Start() is called.
func NewAdminServer(t *Transport, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		t.metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	as := &AdminServer{
		t:        t,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/oob/status", as.handleStatus)
	mux.HandleFunc("/oob/peers", as.handlePeers)
	mux.HandleFunc("/oob/ping", as.handlePing)
	mux.HandleFunc("/oob/contacts", as.handleContacts)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /oob/status.
type statusResponse struct {
	Self      string           `json:"self"`
	Contact   string           `json:"contact"`
	Version   string           `json:"version"`
	Listeners []string         `json:"listeners"`
	Peers     int              `json:"peers"`
	Connected int              `json:"connected"`
	Metrics   map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	t := as.t
	resp := statusResponse{
		Self:      t.self.String(),
		Contact:   t.contact,
		Version:   t.cfg.Version,
		Peers:     len(t.Peers()),
		Connected: int(t.connected.Load()),
		Metrics:   t.metrics.Snapshot(),
	}
	for _, a := range t.Addrs() {
		resp.Listeners = append(resp.Listeners, a.String())
	}

	writeJSON(w, resp)
}

// peersResponse is the JSON structure for GET /oob/peers.
type peersResponse struct {
	Peers []PeerInfo `json:"peers"`
}

func (as *AdminServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peers := as.t.Peers()
	if s := r.URL.Query().Get("id"); s != "" {
		id, err := ParseIdentity(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var match []PeerInfo
		for _, p := range peers {
			if p.ID == id {
				match = append(match, p)
			}
		}
		peers = match
	}
	if peers == nil {
		peers = []PeerInfo{}
	}

	writeJSON(w, peersResponse{Peers: peers})
}

// pingResponse is the JSON structure for GET /oob/ping.
type pingResponse struct {
	ID        string `json:"id"`
	Reachable bool   `json:"reachable"`
	RTTMicros int64  `json:"rtt_us,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (as *AdminServer) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := r.URL.Query().Get("id")
	if s == "" {
		http.Error(w, `missing "id" query parameter`, http.StatusBadRequest)
		return
	}
	id, err := ParseIdentity(s)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), adminPingTimeout)
	defer cancel()

	start := time.Now()
	resp := pingResponse{ID: id.String()}
	if err := as.t.Ping(ctx, id); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Reachable = true
		resp.RTTMicros = time.Since(start).Microseconds()
	}

	writeJSON(w, resp)
}

// contactsResponse is the JSON structure for GET /oob/contacts.
type contactsResponse struct {
	Contacts []ContactEntry `json:"contacts"`
}

func (as *AdminServer) handleContacts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lister, ok := as.t.directory.(ContactLister)
	if !ok {
		writeJSON(w, contactsResponse{Contacts: []ContactEntry{}})
		return
	}
	entries, err := lister.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []ContactEntry{}
	}

	writeJSON(w, contactsResponse{Contacts: entries})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}
