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
	"regexp"
	"strconv"
)

func init() {
	Register(`ipv4_address.normalize`, ipv4Normalize)
	Register(`ipv4_address.net_address`, ipv4NetAddress)
	Register(`ipv4_address.broadcast_address`, ipv4BroadcastAddress)
	Register(`ipv4_address.strip_mask`, ipv4StripMask)
}

// Groups 1 to 4 capture the individual bytes of the address and group 5
// captures the subnet mask, if present.
var reIPv4 = regexp.MustCompile(`^([0-9]+)\.([0-9]+)\.([0-9]+)\.([0-9]+)(?:/([0-9]+))?$`)

// ipv4Normalize strips leading zeros from the octets of an IPv4 address and
// from its optional mask.
func ipv4Normalize(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	octets, mask, err := ipv4Parse(s)
	if err != nil {
		return malformedResult(s, err, raiseError)
	}
	r := fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3])
	if mask >= 0 {
		r = fmt.Sprintf("%s/%d", r, mask)
	}
	return r, nil
}

// ipv4NetAddress calculates the network address for an IPv4 address and
// subnet mask, keeping the mask in the result.
func ipv4NetAddress(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	octets, mask, err := ipv4Parse(s)
	if err != nil {
		return malformedResult(s, err, raiseError)
	}
	if mask < 0 {
		return malformedResult(s, fmt.Errorf("cannot calculate net address for IP address without subnet mask: %s", s), raiseError)
	}
	addr := ipv4ToUint(octets) & ipv4MaskBits(mask)
	octets = ipv4FromUint(addr)
	return fmt.Sprintf("%d.%d.%d.%d/%d", octets[0], octets[1], octets[2], octets[3], mask), nil
}

// ipv4BroadcastAddress calculates the broadcast address for an IPv4 address
// and subnet mask. The mask is not part of the result.
func ipv4BroadcastAddress(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	octets, mask, err := ipv4Parse(s)
	if err != nil {
		return malformedResult(s, err, raiseError)
	}
	if mask < 0 {
		return malformedResult(s, fmt.Errorf("cannot calculate broadcast address for IP address without subnet mask: %s", s), raiseError)
	}
	addr := ipv4ToUint(octets) | ^ipv4MaskBits(mask)
	octets = ipv4FromUint(addr)
	return fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3]), nil
}

// ipv4StripMask removes the subnet mask from an IPv4 address, if present.
func ipv4StripMask(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(0, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	if _, _, err = ipv4Parse(s); err != nil {
		return malformedResult(s, err, raiseError)
	}
	for i := range s {
		if s[i] == '/' {
			return s[:i], nil
		}
	}
	return s, nil
}

// ipv4Parse returns the four octets and the mask of an address string. A
// missing mask is reported as -1.
func ipv4Parse(s string) (octets [4]uint32, mask int, err error) {
	mask = -1
	m := reIPv4.FindStringSubmatch(s)
	if m == nil {
		err = fmt.Errorf("not a valid IPv4 address: %s", s)
		return
	}
	for i := 0; i < 4; i++ {
		var v int
		if v, err = strconv.Atoi(m[i+1]); err != nil || v > 255 {
			err = fmt.Errorf("not a valid IPv4 address: %s", s)
			return
		}
		octets[i] = uint32(v)
	}
	if m[5] != `` {
		var v int
		if v, err = strconv.Atoi(m[5]); err != nil || v > 32 {
			err = fmt.Errorf("invalid mask in IPv4 address: %s", s)
			return
		}
		mask = v
	}
	return
}

func ipv4ToUint(octets [4]uint32) uint32 {
	return octets[0]<<24 | octets[1]<<16 | octets[2]<<8 | octets[3]
}

func ipv4FromUint(addr uint32) [4]uint32 {
	return [4]uint32{addr >> 24 & 255, addr >> 16 & 255, addr >> 8 & 255, addr & 255}
}

func ipv4MaskBits(mask int) uint32 {
	if mask <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - uint(mask))
}

// malformedResult implements the shared malformed-input policy of the
// normalization transforms: return the input unchanged unless the caller
// asked for an error.
func malformedResult(input string, err error, raiseError bool) (interface{}, error) {
	if raiseError {
		return nil, err
	}
	return input, nil
}
