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
	"strconv"
	"strings"
)

func init() {
	Register(`mac_address.normalize`, macNormalize)
}

// macNormalize normalizes a MAC address: every byte is rendered with
// exactly two hex digits, case is made uniform, and the configured
// delimiter is used. The input must use a single consistent delimiter,
// either ":" or "-".
func macNormalize(value interface{}, args Args) (interface{}, error) {
	s, err := stringValue(value)
	if err != nil {
		return nil, err
	}
	targetCase, err := args.String(0, `target_case`, `upper`)
	if err != nil {
		return nil, err
	}
	delimiter, err := args.String(1, `delimiter`, `:`)
	if err != nil {
		return nil, err
	}
	raiseError, err := args.Bool(2, `raise_error_if_malformed`, false)
	if err != nil {
		return nil, err
	}
	switch delimiter {
	case `:`, `colon`:
		delimiter = `:`
	case `-`, `dash`, `minus`:
		delimiter = `-`
	default:
		return nil, fmt.Errorf("invalid delimiter %q, valid values are \":\", \"-\", \"colon\", \"dash\" or \"minus\"", delimiter)
	}
	if targetCase != `lower` && targetCase != `upper` {
		return nil, fmt.Errorf("invalid target case %q, valid values are \"lower\" and \"upper\"", targetCase)
	}
	addrBytes, err := macParse(s)
	if err != nil {
		return malformedResult(s, err, raiseError)
	}
	format := `%02X`
	if targetCase == `lower` {
		format = `%02x`
	}
	parts := make([]string, len(addrBytes))
	for i, b := range addrBytes {
		parts[i] = fmt.Sprintf(format, b)
	}
	return strings.Join(parts, delimiter), nil
}

// macParse splits a MAC address on its delimiter and parses the six bytes.
// Mixed delimiters are rejected.
func macParse(s string) ([]uint8, error) {
	var sep string
	switch {
	case strings.Contains(s, `:`) && !strings.Contains(s, `-`):
		sep = `:`
	case strings.Contains(s, `-`) && !strings.Contains(s, `:`):
		sep = `-`
	default:
		return nil, fmt.Errorf("not a valid MAC address: %s", s)
	}
	parts := strings.Split(s, sep)
	if len(parts) != 6 {
		return nil, fmt.Errorf("not a valid MAC address: %s", s)
	}
	addrBytes := make([]uint8, 6)
	for i, p := range parts {
		if len(p) < 1 || len(p) > 2 {
			return nil, fmt.Errorf("not a valid MAC address: %s", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("not a valid MAC address: %s", s)
		}
		addrBytes[i] = uint8(v)
	}
	return addrBytes, nil
}
