/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package transform

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

func init() {
	Register(`ipv6_address.normalize`, ipv6Normalize)
	Register(`ipv6_address.net_address`, ipv6NetAddress)
	Register(`ipv6_address.strip_mask`, ipv6StripMask)
}

// ipv6Normalize renders an IPv6 address in its RFC 5952 canonical form. An
// optional mask is preserved with leading zeros removed.
func ipv6Normalize(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	addr, mask, err := ipv6Parse(s)
	if err != nil {
		return malformedResult(s, err, raiseError)
	}
	r := addr.String()
	if mask >= 0 {
		r = fmt.Sprintf("%s/%d", r, mask)
	}
	return r, nil
}

// ipv6NetAddress calculates the network address for an IPv6 address and
// subnet mask, keeping the mask in the result.
func ipv6NetAddress(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	addr, mask, err := ipv6Parse(s)
	if err != nil {
		return malformedResult(s, err, raiseError)
	}
	if mask < 0 {
		return malformedResult(s, fmt.Errorf("cannot calculate net address for IP address without subnet mask: %s", s), raiseError)
	}
	pfx, err := addr.Prefix(mask)
	if err != nil {
		return malformedResult(s, fmt.Errorf("invalid mask in IPv6 address: %s", s), raiseError)
	}
	return fmt.Sprintf("%s/%d", pfx.Addr().String(), mask), nil
}

// ipv6StripMask removes the subnet mask from an IPv6 address, if present.
func ipv6StripMask(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	if _, _, err = ipv6Parse(s); err != nil {
		return malformedResult(s, err, raiseError)
	}
	addr, _, _ := strings.Cut(s, `/`)
	return addr, nil
}

// ipv6Parse splits an address string into its address and optional mask. A
// missing mask is reported as -1.
func ipv6Parse(s string) (addr netip.Addr, mask int, err error) {
	mask = -1
	addrPart := s
	if i := strings.IndexByte(s, '/'); i >= 0 {
		addrPart = s[:i]
		maskPart := s[i+1:]
		var v int
		if v, err = strconv.Atoi(maskPart); err != nil || v < 0 || v > 128 {
			err = fmt.Errorf("invalid mask in IPv6 address: %s", s)
			return
		}
		mask = v
	}
	if addr, err = netip.ParseAddr(addrPart); err != nil || !addr.Is6() {
		err = fmt.Errorf("invalid IPv6 address: %s", s)
		return
	}
	return
}
