package oob

import (
	"net"
	"testing"
)

func sampleInterfaces() []Interface {
	return []Interface{
		{Name: "lo", Family: 4, IP: net.ParseIP("127.0.0.1").To4(), Mask: 8, Loopback: true},
		{Name: "eth0", Family: 4, IP: net.ParseIP("10.0.0.5").To4(), Mask: 24},
		{Name: "eth1", Family: 4, IP: net.ParseIP("192.168.7.5").To4(), Mask: 24},
		{Name: "eth1", Family: 6, IP: net.ParseIP("fd00::5"), Mask: 64},
		{Name: "virbr0", Family: 4, IP: net.ParseIP("192.168.122.1").To4(), Mask: 24},
	}
}

func names(ifs []Interface) []string {
	var out []string
	for _, i := range ifs {
		out = append(out, i.Name+"/"+i.IP.String())
	}
	return out
}

func TestFilterInterfaces_Default(t *testing.T) {
	got, err := FilterInterfaces(sampleInterfaces(), nil, nil)
	if err != nil {
		t.Fatalf("FilterInterfaces: %v", err)
	}
	want := []string{"eth0/10.0.0.5", "eth1/192.168.7.5", "eth1/fd00::5"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", names(got), want)
	}
	for i := range want {
		if names(got)[i] != want[i] {
			t.Errorf("got %v, want %v", names(got), want)
			break
		}
	}
}

func TestFilterInterfaces_Include(t *testing.T) {
	got, err := FilterInterfaces(sampleInterfaces(), []string{"192.168.0.0/16"}, nil)
	if err != nil {
		t.Fatalf("FilterInterfaces: %v", err)
	}
	// virbr0 matches the subnet but is always dropped.
	if len(got) != 1 || got[0].Name != "eth1" {
		t.Errorf("got %v, want [eth1/192.168.7.5]", names(got))
	}

	got, _ = FilterInterfaces(sampleInterfaces(), []string{"lo"}, nil)
	if len(got) != 1 || !got[0].Loopback {
		t.Errorf("explicit lo include: got %v", names(got))
	}
}

func TestFilterInterfaces_Exclude(t *testing.T) {
	got, err := FilterInterfaces(sampleInterfaces(), nil, []string{"eth1", "10.0.0.5"})
	if err != nil {
		t.Fatalf("FilterInterfaces: %v", err)
	}
	// Only loopback is left, so it is kept.
	if len(got) != 1 || got[0].Name != "lo" {
		t.Errorf("got %v, want [lo]", names(got))
	}
}

func TestFilterInterfaces_Errors(t *testing.T) {
	if _, err := FilterInterfaces(sampleInterfaces(), []string{"eth0"}, []string{"eth1"}); err == nil {
		t.Error("include+exclude: expected error")
	}
	if _, err := FilterInterfaces(sampleInterfaces(), []string{"10.0.0.0/99"}, nil); err == nil {
		t.Error("bad CIDR: expected error")
	}
}

func TestEnumerateInterfaces(t *testing.T) {
	ifs, err := EnumerateInterfaces()
	if err != nil {
		t.Fatalf("EnumerateInterfaces: %v", err)
	}
	for _, i := range ifs {
		if i.IP.IsLinkLocalUnicast() {
			t.Errorf("link-local address %s not skipped", i.IP)
		}
		if i.Family != 4 && i.Family != 6 {
			t.Errorf("%s family = %d", i.Name, i.Family)
		}
	}
}
