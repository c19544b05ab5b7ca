/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/vinegar/odict"
)

func TestMACNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`02:00:00:00:00:0a`, `02:00:00:00:00:0A`},
		{`02-03-04-05-06-0a`, `02:03:04:05:06:0A`},
		{`2:3:4:5:6:a`, `02:03:04:05:06:0A`},
		{`AB:CD:EF:01:23:45`, `AB:CD:EF:01:23:45`},
	}
	for _, tt := range tests {
		r, err := macNormalize(tt.in, Args{})
		require.NoErrorf(t, err, "input %q", tt.in)
		assert.Equalf(t, tt.want, r, "input %q", tt.in)
	}
}

func TestMACNormalizeOptions(t *testing.T) {
	r, err := macNormalize(`AB:CD:EF:01:23:45`, NewArgs(nil, odict.NewMapFromPairs(`target_case`, `lower`)))
	require.NoError(t, err)
	assert.Equal(t, `ab:cd:ef:01:23:45`, r)

	r, err = macNormalize(`ab:cd:ef:01:23:45`, NewArgs(nil, odict.NewMapFromPairs(`delimiter`, `dash`)))
	require.NoError(t, err)
	assert.Equal(t, `AB-CD-EF-01-23-45`, r)

	r, err = macNormalize(`ab-cd-ef-01-23-45`, NewArgs(nil, odict.NewMapFromPairs(`delimiter`, `colon`)))
	require.NoError(t, err)
	assert.Equal(t, `AB:CD:EF:01:23:45`, r)

	// Invalid option values are configuration errors, independent of the
	// malformed-input policy.
	_, err = macNormalize(`ab:cd:ef:01:23:45`, NewArgs(nil, odict.NewMapFromPairs(`delimiter`, `dot`)))
	assert.Error(t, err)
	_, err = macNormalize(`ab:cd:ef:01:23:45`, NewArgs(nil, odict.NewMapFromPairs(`target_case`, `mixed`)))
	assert.Error(t, err)
}

func TestMACNormalizeMalformed(t *testing.T) {
	for _, in := range []string{
		`02:00:00:00:00`,
		`02:00:00:00:00:0a:0b`,
		`02:00-00:00:00:0a`,
		`02:00:00:00:00:0g`,
		`020000000000`,
	} {
		r, err := macNormalize(in, Args{})
		require.NoErrorf(t, err, "input %q", in)
		assert.Equal(t, in, r)
		_, err = macNormalize(in, NewArgs(nil, odict.NewMapFromPairs(`raise_error_if_malformed`, true)))
		assert.Errorf(t, err, "input %q", in)
	}
}
