package oob

// Contact strings
//
//	tcp://h1,h2:p1,p2[:m1,m2]
//	tcp6://[h1],[h2]:p1,p2[:m1,m2]      (also accepted: tcp6://[h1,h2]:ports)
//
// Ports and masks pair with hosts by index when the counts match;
// otherwise the first entry applies to every host. A peer's full contact
// is "ns.rank;uri1;uri2".

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	schemeTCP4 = "tcp://"
	schemeTCP6 = "tcp6://"
)

// ParseContact splits "identity;uri;uri" into the identity and the union
// of the URIs' addresses. localhost resolves against ifs.
func ParseContact(s string, ifs []Interface) (Identity, []Address, error) {
	parts := strings.Split(strings.TrimSpace(s), ";")
	id, err := ParseIdentity(parts[0])
	if err != nil {
		return Identity{}, nil, err
	}
	var addrs []Address
	for _, uri := range parts[1:] {
		if uri == "" {
			continue
		}
		as, err := ParseURI(uri, ifs)
		if err != nil {
			return Identity{}, nil, err
		}
		addrs = append(addrs, as...)
	}
	return id, addrs, nil
}

// ParseURI parses one tcp:// or tcp6:// URI.
func ParseURI(uri string, ifs []Interface) ([]Address, error) {
	var (
		family         int
		hostPart, rest string
	)
	switch {
	case strings.HasPrefix(uri, schemeTCP6):
		family = 6
		body := uri[len(schemeTCP6):]
		end := strings.LastIndex(body, "]")
		if !strings.HasPrefix(body, "[") || end < 0 {
			return nil, fmt.Errorf("oob: uri %q: ipv6 hosts must be bracketed", uri)
		}
		hostPart = strings.NewReplacer("[", "", "]", "").Replace(body[:end+1])
		rest = strings.TrimPrefix(body[end+1:], ":")
	case strings.HasPrefix(uri, schemeTCP4):
		family = 4
		var ok bool
		hostPart, rest, ok = strings.Cut(uri[len(schemeTCP4):], ":")
		if !ok {
			return nil, fmt.Errorf("oob: uri %q: missing port", uri)
		}
	default:
		return nil, fmt.Errorf("oob: uri %q: unknown scheme", uri)
	}

	portPart, maskPart, _ := strings.Cut(rest, ":")
	hosts := splitList(hostPart)
	ports, err := atoiList(portPart)
	if err != nil {
		return nil, fmt.Errorf("oob: uri %q ports: %w", uri, err)
	}
	masks, err := atoiList(maskPart)
	if err != nil {
		return nil, fmt.Errorf("oob: uri %q masks: %w", uri, err)
	}
	if len(hosts) == 0 || len(ports) == 0 {
		return nil, fmt.Errorf("oob: uri %q: need at least one host and port", uri)
	}

	out := make([]Address, 0, len(hosts))
	for i, h := range hosts {
		ip, err := resolveHost(h, family, ifs)
		if err != nil {
			return nil, fmt.Errorf("oob: uri %q: %w", uri, err)
		}
		a := Address{Family: family, IP: ip, Port: pick(ports, i, len(hosts))}
		if len(masks) > 0 {
			a.Mask = pick(masks, i, len(hosts))
		}
		if a.Port <= 0 || a.Port > 65535 {
			return nil, fmt.Errorf("oob: uri %q: port %d out of range", uri, a.Port)
		}
		out = append(out, a)
	}
	return out, nil
}

// FormatURI renders addresses of one family as a contact URI.
func FormatURI(family int, addrs []Address) string {
	hosts := make([]string, len(addrs))
	ports := make([]string, len(addrs))
	masks := make([]string, len(addrs))
	for i, a := range addrs {
		hosts[i] = a.IP.String()
		if family == 6 {
			hosts[i] = "[" + hosts[i] + "]"
		}
		ports[i] = strconv.Itoa(a.Port)
		masks[i] = strconv.Itoa(a.Mask)
	}
	scheme := schemeTCP4
	if family == 6 {
		scheme = schemeTCP6
	}
	return scheme + strings.Join(hosts, ",") + ":" + strings.Join(ports, ",") + ":" + strings.Join(masks, ",")
}

// FormatContact renders the full "identity;uri;uri" string.
func FormatContact(id Identity, addrs []Address) string {
	var v4, v6 []Address
	for _, a := range addrs {
		if a.Family == 6 {
			v6 = append(v6, a)
		} else {
			v4 = append(v4, a)
		}
	}
	s := id.String()
	if len(v4) > 0 {
		s += ";" + FormatURI(4, v4)
	}
	if len(v6) > 0 {
		s += ";" + FormatURI(6, v6)
	}
	return s
}

func resolveHost(h string, family int, ifs []Interface) (net.IP, error) {
	if h == "localhost" {
		ifc, ok := firstOfFamily(ifs, family)
		if !ok {
			if family == 6 {
				return net.IPv6loopback, nil
			}
			return net.IPv4(127, 0, 0, 1).To4(), nil
		}
		return ifc.IP, nil
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return nil, fmt.Errorf("invalid host %q", h)
	}
	if (family == 4) != (ip.To4() != nil) {
		return nil, fmt.Errorf("host %q is not ipv%d", h, family)
	}
	if family == 4 {
		ip = ip.To4()
	}
	return ip, nil
}

func pick(vals []int, i, n int) int {
	if len(vals) == n {
		return vals[i]
	}
	return vals[0]
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func atoiList(s string) ([]int, error) {
	var out []int
	for _, f := range splitList(s) {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
