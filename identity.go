package oob

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity names a process in the runtime: a job namespace and a rank
// within it. Identities are totally ordered (namespace first, then rank)
// and that order decides which side wins a simultaneous connect.
type Identity struct {
	Namespace uint32
	Rank      uint32
}

// Compare returns -1, 0 or +1.
func (id Identity) Compare(o Identity) int {
	switch {
	case id.Namespace < o.Namespace:
		return -1
	case id.Namespace > o.Namespace:
		return 1
	case id.Rank < o.Rank:
		return -1
	case id.Rank > o.Rank:
		return 1
	}
	return 0
}

func (id Identity) String() string {
	return strconv.FormatUint(uint64(id.Namespace), 10) + "." + strconv.FormatUint(uint64(id.Rank), 10)
}

// ParseIdentity parses the "namespace.rank" text form.
func ParseIdentity(s string) (Identity, error) {
	ns, rank, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Identity{}, fmt.Errorf("oob: identity %q: want namespace.rank", s)
	}
	n, err := strconv.ParseUint(ns, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("oob: identity %q namespace: %w", s, err)
	}
	r, err := strconv.ParseUint(rank, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("oob: identity %q rank: %w", s, err)
	}
	return Identity{Namespace: uint32(n), Rank: uint32(r)}, nil
}

func (id Identity) pack() uint64 {
	return uint64(id.Namespace)<<32 | uint64(id.Rank)
}

func unpackIdentity(v uint64) Identity {
	return Identity{Namespace: uint32(v >> 32), Rank: uint32(v)}
}

// MarshalText renders the "namespace.rank" form, so identities read
// naturally in JSON and logs.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(b []byte) error {
	v, err := ParseIdentity(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
