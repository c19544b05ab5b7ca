/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// IPv6AddressUnwrap converts an IPv4-mapped IPv6 address string of the form
// "::ffff:a.b.c.d" to its plain IPv4 form. Any other input is returned
// unchanged. Addresses carrying a subnet mask are never unwrapped because
// the mask length would change its meaning.
func IPv6AddressUnwrap(addr string) string {
	if strings.Contains(addr, `/`) {
		return addr
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	if a.Is4In6() {
		return a.Unmap().String()
	}
	return addr
}

// ContainsIPAddress reports whether addr is covered by any of the entries.
// Each entry is either a single IP address or a subnet in CIDR notation.
// IPv4-mapped IPv6 addresses are unmapped in addr and in single-address
// entries before comparison; subnet entries are compared as written.
// Malformed entries are skipped.
func ContainsIPAddress(entries []string, addr string) bool {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, entry := range entries {
		if strings.Contains(entry, `/`) {
			pfx, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if pfx.Masked().Contains(a) {
				return true
			}
		} else {
			e, err := netip.ParseAddr(entry)
			if err != nil {
				continue
			}
			if e.Unmap() == a {
				return true
			}
		}
	}
	return false
}

// AddrString renders a network address for log output, wrapping IPv6 host
// addresses in brackets.
func AddrString(addr net.Addr) string {
	if addr == nil {
		return `<nil>`
	}
	return addr.String()
}

// HostPortString renders a host/port pair, wrapping IPv6 hosts in brackets.
func HostPortString(host string, port int) string {
	if strings.Contains(host, `:`) {
		return fmt.Sprintf("[%s]:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", host, port)
}
