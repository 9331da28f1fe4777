// Package ipmatch wraps a patricia trie to give Group's ipblock/ipset kinds
// a fast Contains(ip) test instead of a linear wildcard scan.
package ipmatch

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/kentik/patricia/ipv4"
	"github.com/kentik/patricia/ipv6"
)

// Set is an immutable-once-frozen union of IPv4/IPv6 prefixes, backed by a
// patricia trie per address family.
type Set struct {
	v4     *ipv4.TrieV4
	v6     *ipv6.TrieV6
	frozen bool
}

// NewSet returns an empty, unfrozen Set.
func NewSet() *Set {
	return &Set{
		v4: ipv4.NewTrieV4(),
		v6: ipv6.NewTrieV6(),
	}
}

// AddCIDR inserts a CIDR prefix (e.g. "10.0.0.0/8" or "2001:db8::/32") into
// the set. Returns an error if the set is frozen or the CIDR is malformed.
func (s *Set) AddCIDR(cidr string) error {
	if s.frozen {
		return fmt.Errorf("ipmatch: set is frozen")
	}
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("ipmatch: invalid CIDR %q: %w", cidr, err)
	}
	ones, _ := network.Mask.Size()
	if v4 := network.IP.To4(); v4 != nil {
		addr := ipv4.NewIPv4Address(binary.BigEndian.Uint32(v4), uint(ones))
		_, _, err := s.v4.Insert(addr, true, nil)
		return err
	}
	v6 := network.IP.To16()
	left := binary.BigEndian.Uint64(v6[0:8])
	right := binary.BigEndian.Uint64(v6[8:16])
	addr := ipv6.NewIPv6Address(left, right, uint(ones))
	_, _, err = s.v6.Insert(addr, true, nil)
	return err
}

// AddWildcard inserts a SiLK-style IP wildcard pattern such as
// "10.0.x.0-15" by expanding it to the equivalent set of CIDR blocks. Octets
// may be a literal number, "x" (0-255), or a "lo-hi" range. A pattern in
// CIDR notation (e.g. "10.0.0.0/8") is added as that single block.
func (s *Set) AddWildcard(pattern string) error {
	cidrs, err := wildcardToCIDRs(pattern)
	if err != nil {
		return err
	}
	for _, c := range cidrs {
		if err := s.AddCIDR(c); err != nil {
			return err
		}
	}
	return nil
}

// Freeze marks the set immutable; it may now be shared by reference across
// sensors.
func (s *Set) Freeze() { s.frozen = true }

// Union returns a new, unfrozen Set containing the union of s and other.
func (s *Set) Union(other *Set) (*Set, error) {
	out := NewSet()
	var addErr error
	merge := func(set *Set) {
		set.v4.Visit(func(addr ipv4.Address, tags []interface{}) error {
			_, _, err := out.v4.Insert(addr, true, nil)
			if err != nil {
				addErr = err
			}
			return nil
		})
		set.v6.Visit(func(addr ipv6.Address, tags []interface{}) error {
			_, _, err := out.v6.Insert(addr, true, nil)
			if err != nil {
				addErr = err
			}
			return nil
		})
	}
	merge(s)
	merge(other)
	return out, addErr
}

// Contains reports whether ip falls within any prefix in the set.
func (s *Set) Contains(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		addr := ipv4.NewIPv4Address(binary.BigEndian.Uint32(v4), 32)
		ok, _, err := s.v4.FindDeepestTag(addr)
		return err == nil && ok
	}
	v6 := ip.To16()
	if v6 == nil {
		return false
	}
	left := binary.BigEndian.Uint64(v6[0:8])
	right := binary.BigEndian.Uint64(v6[8:16])
	addr := ipv6.NewIPv6Address(left, right, 128)
	ok, _, err := s.v6.FindDeepestTag(addr)
	return err == nil && ok
}
