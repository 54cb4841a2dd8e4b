package oob

import (
	"fmt"
	"net"
	"strings"
)

// Interface is one usable local address.
type Interface struct {
	Name     string
	Index    int
	Family   int
	IP       net.IP
	Mask     int
	Loopback bool
}

// virtualPrefix marks bridge interfaces created by hypervisors; their
// addresses are not reachable from other nodes.
const virtualPrefix = "vir"

// EnumerateInterfaces lists the host's up interfaces and their unicast
// addresses.
func EnumerateInterfaces() ([]Interface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("oob interfaces: %w", err)
	}
	var out []Interface
	for _, ifc := range ifs {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLinkLocalUnicast() {
				continue
			}
			ones, _ := ipn.Mask.Size()
			family := 6
			if ipn.IP.To4() != nil {
				family = 4
			}
			out = append(out, Interface{
				Name:     ifc.Name,
				Index:    ifc.Index,
				Family:   family,
				IP:       ipn.IP,
				Mask:     ones,
				Loopback: ifc.Flags&net.FlagLoopback != 0,
			})
		}
	}
	return out, nil
}

// FilterInterfaces applies if_include / if_exclude. Each entry is an
// interface name, an IP address, or a CIDR subnet. Interfaces whose name
// starts with "vir" are always dropped. Loopback addresses survive only
// when nothing else is left, so a single-node run still has a contact.
func FilterInterfaces(ifs []Interface, include, exclude []string) ([]Interface, error) {
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("oob: if_include and if_exclude are mutually exclusive")
	}
	inc, err := parseMatchers(include)
	if err != nil {
		return nil, err
	}
	exc, err := parseMatchers(exclude)
	if err != nil {
		return nil, err
	}

	var kept, loop []Interface
	for _, ifc := range ifs {
		if strings.HasPrefix(ifc.Name, virtualPrefix) {
			continue
		}
		if len(inc) > 0 && !anyMatch(inc, ifc) {
			continue
		}
		if len(exc) > 0 && anyMatch(exc, ifc) {
			continue
		}
		if ifc.Loopback && len(inc) == 0 {
			loop = append(loop, ifc)
			continue
		}
		kept = append(kept, ifc)
	}
	if len(kept) == 0 {
		return loop, nil
	}
	return kept, nil
}

type ifMatcher struct {
	name string
	ip   net.IP
	net  *net.IPNet
}

func parseMatchers(list []string) ([]ifMatcher, error) {
	var out []ifMatcher
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			_, n, err := net.ParseCIDR(s)
			if err != nil {
				return nil, fmt.Errorf("oob: interface filter %q: %w", s, err)
			}
			out = append(out, ifMatcher{net: n})
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			out = append(out, ifMatcher{ip: ip})
			continue
		}
		out = append(out, ifMatcher{name: s})
	}
	return out, nil
}

func anyMatch(ms []ifMatcher, ifc Interface) bool {
	for _, m := range ms {
		switch {
		case m.net != nil:
			if m.net.Contains(ifc.IP) {
				return true
			}
		case m.ip != nil:
			if m.ip.Equal(ifc.IP) {
				return true
			}
		case m.name == ifc.Name:
			return true
		}
	}
	return false
}

// firstOfFamily returns the first interface address of the given family.
func firstOfFamily(ifs []Interface, family int) (Interface, bool) {
	for _, ifc := range ifs {
		if ifc.Family == family {
			return ifc, true
		}
	}
	return Interface{}, false
}
