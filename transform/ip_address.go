/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package transform

import (
	"strings"

	"github.com/gravwell/vinegar/utils"
)

func init() {
	Register(`ip_address.normalize`, ipNormalize)
	Register(`ip_address.net_address`, ipNetAddress)
	Register(`ip_address.strip_mask`, ipStripMask)
}

// ipNormalize normalizes an IPv4 or IPv6 address. IPv4-mapped IPv6
// addresses without a mask are unwrapped to plain IPv4 before
// normalization.
func ipNormalize(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	s = utils.IPv6AddressUnwrap(s)
	if len(s) > 7 && strings.EqualFold(s[:7], `::ffff:`) && !strings.Contains(s, `/`) && reIPv4.MatchString(s[7:]) {
		s = s[7:]
	}
	if reIPv4.MatchString(s) {
		return ipv4Normalize(s, args)
	}
	return ipv6Normalize(s, args)
}

// ipNetAddress calculates the network address for an IPv4 or IPv6 address
// and subnet mask.
func ipNetAddress(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	if reIPv4.MatchString(s) {
		return ipv4NetAddress(s, args)
	}
	return ipv6NetAddress(s, args)
}

// ipStripMask strips the subnet mask from an IPv4 or IPv6 address, if
// present.
func ipStripMask(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	if reIPv4.MatchString(s) {
		return ipv4StripMask(s, args)
	}
	return ipv6StripMask(s, args)
}
