package ipmatch

import (
	"fmt"
	"strconv"
	"strings"
)

// wildcardToCIDRs expands a SiLK-style dotted-quad IP wildcard (each octet
// a literal, "x" for 0-255, or "lo-hi") into the minimal set of CIDR blocks
// covering the same address space. A pattern in CIDR notation (IPv4 or IPv6)
// is passed through as-is; only IPv4 dotted-quad wildcards are expanded.
func wildcardToCIDRs(pattern string) ([]string, error) {
	if strings.Contains(pattern, "/") {
		return []string{pattern}, nil
	}
	octets := strings.Split(pattern, ".")
	if len(octets) != 4 {
		return nil, fmt.Errorf("ipmatch: wildcard %q must have 4 octets", pattern)
	}

	ranges := make([][2]int, 4)
	for i, o := range octets {
		lo, hi, err := parseOctet(o)
		if err != nil {
			return nil, fmt.Errorf("ipmatch: wildcard %q: %w", pattern, err)
		}
		ranges[i] = [2]int{lo, hi}
	}

	var cidrs []string
	for a := ranges[0][0]; a <= ranges[0][1]; a++ {
		for b := ranges[1][0]; b <= ranges[1][1]; b++ {
			for c := ranges[2][0]; c <= ranges[2][1]; c++ {
				lo, hi := ranges[3][0], ranges[3][1]
				blocks, err := runToCIDRs(lo, hi)
				if err != nil {
					return nil, err
				}
				for _, block := range blocks {
					cidrs = append(cidrs, fmt.Sprintf("%d.%d.%d.%s", a, b, c, block))
				}
			}
		}
	}
	return cidrs, nil
}

func parseOctet(o string) (int, int, error) {
	if o == "x" || o == "X" {
		return 0, 255, nil
	}
	if lo, hi, ok := strings.Cut(o, "-"); ok {
		loN, err := strconv.Atoi(lo)
		if err != nil {
			return 0, 0, err
		}
		hiN, err := strconv.Atoi(hi)
		if err != nil {
			return 0, 0, err
		}
		if loN < 0 || hiN > 255 || loN > hiN {
			return 0, 0, fmt.Errorf("invalid range %q", o)
		}
		return loN, hiN, nil
	}
	n, err := strconv.Atoi(o)
	if err != nil {
		return 0, 0, err
	}
	if n < 0 || n > 255 {
		return 0, 0, fmt.Errorf("octet %q out of range", o)
	}
	return n, n, nil
}

// runToCIDRs expresses a contiguous last-octet run [lo, hi] as the minimal
// set of "value/bits"-style suffixes (e.g. "0/28" for 0-15).
func runToCIDRs(lo, hi int) ([]string, error) {
	if lo < 0 || hi > 255 || lo > hi {
		return nil, fmt.Errorf("invalid last-octet run %d-%d", lo, hi)
	}
	var out []string
	for lo <= hi {
		// Largest block starting at lo that fits within [lo, hi].
		maxSize := 256
		for lo%maxSize != 0 {
			maxSize /= 2
		}
		for maxSize > (hi-lo+1) {
			maxSize /= 2
		}
		bits := 8
		for sz := maxSize; sz > 1; sz /= 2 {
			bits--
		}
		out = append(out, fmt.Sprintf("%d/%d", lo, 24+bits))
		lo += maxSize
	}
	return out, nil
}
