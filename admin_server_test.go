package oob

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func newTestAdminServer(t *testing.T, tr *Transport) *AdminServer {
	t.Helper()
	as, err := NewAdminServer(tr, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewAdminServer: %v", err)
	}
	as.Start()
	t.Cleanup(as.Stop)
	return as
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAdmin_Status(t *testing.T) {
	a := newTestTransport(t, id(0), testConfig())
	as := newTestAdminServer(t, a)

	var body statusResponse
	if code := getJSON(t, "http://"+as.Addr()+"/oob/status", &body); code != 200 {
		t.Fatalf("status = %d, want 200", code)
	}
	if body.Self != "1.0" {
		t.Errorf("self = %q, want 1.0", body.Self)
	}
	if body.Contact != a.ContactURI() {
		t.Errorf("contact = %q, want %q", body.Contact, a.ContactURI())
	}
	if body.Version != Version {
		t.Errorf("version = %q", body.Version)
	}
	if len(body.Listeners) != 1 {
		t.Errorf("listeners = %v", body.Listeners)
	}
	if body.Metrics == nil {
		t.Error("metrics is nil")
	}
}

func TestAdmin_Peers(t *testing.T) {
	a := newTestTransport(t, id(0), testConfig())
	b := newTestTransport(t, id(1), testConfig())
	a.AddContact(b.ContactURI())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.SendSync(ctx, id(1), 0, nil); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	as := newTestAdminServer(t, a)

	var body peersResponse
	getJSON(t, "http://"+as.Addr()+"/oob/peers", &body)
	if len(body.Peers) != 1 || body.Peers[0].ID != id(1) || body.Peers[0].State != "connected" {
		t.Errorf("peers = %+v", body.Peers)
	}

	body = peersResponse{}
	getJSON(t, "http://"+as.Addr()+"/oob/peers?id=1.9", &body)
	if body.Peers == nil || len(body.Peers) != 0 {
		t.Errorf("filtered peers = %+v, want empty list", body.Peers)
	}

	if code := getJSON(t, "http://"+as.Addr()+"/oob/peers?id=bogus", nil); code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", code)
	}
}

func TestAdmin_Ping(t *testing.T) {
	a := newTestTransport(t, id(0), testConfig())
	b := newTestTransport(t, id(1), testConfig())
	a.AddContact(b.ContactURI())
	as := newTestAdminServer(t, a)

	var body pingResponse
	getJSON(t, "http://"+as.Addr()+"/oob/ping?id=1.1", &body)
	if !body.Reachable || body.Error != "" {
		t.Errorf("ping = %+v", body)
	}

	body = pingResponse{}
	getJSON(t, "http://"+as.Addr()+"/oob/ping?id=1.5", &body)
	if body.Reachable || body.Error == "" {
		t.Errorf("ping unknown = %+v", body)
	}

	if code := getJSON(t, "http://"+as.Addr()+"/oob/ping", nil); code != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", code)
	}
}

func TestAdmin_Contacts(t *testing.T) {
	dir := NewMemoryDirectory()
	a := newTestTransport(t, id(0), testConfig(), WithDirectory(dir))
	as := newTestAdminServer(t, a)

	var body contactsResponse
	getJSON(t, "http://"+as.Addr()+"/oob/contacts", &body)
	if len(body.Contacts) != 1 || body.Contacts[0].Contact != a.ContactURI() {
		t.Errorf("contacts = %+v", body.Contacts)
	}

	// Without a directory the list is empty, not an error.
	b := newTestTransport(t, id(1), testConfig())
	bs := newTestAdminServer(t, b)
	body = contactsResponse{}
	getJSON(t, "http://"+bs.Addr()+"/oob/contacts", &body)
	if body.Contacts == nil || len(body.Contacts) != 0 {
		t.Errorf("contacts without directory = %+v", body.Contacts)
	}
}

func TestAdmin_MethodNotAllowed(t *testing.T) {
	a := newTestTransport(t, id(0), testConfig())
	as := newTestAdminServer(t, a)

	resp, err := http.Post("http://"+as.Addr()+"/oob/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestAdmin_PrometheusEndpoint(t *testing.T) {
	a := newTestTransport(t, id(0), testConfig())
	as := newTestAdminServer(t, a)

	resp, err := http.Get("http://" + as.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"oob_connect_attempts_total", "oob_peers_connected", "go_goroutines"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}
