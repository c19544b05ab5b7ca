/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMatch(t *testing.T, name, pattern string, caseSensitive bool) bool {
	t.Helper()
	r, err := Match(name, pattern, caseSensitive)
	require.NoError(t, err)
	return r
}

func TestCaseSensitivity(t *testing.T) {
	assert.True(t, mustMatch(t, `aBc`, `abc`, false))
	assert.False(t, mustMatch(t, `aBc`, `abc`, true))
	assert.True(t, mustMatch(t, `aBc`, `aBc`, true))
}

func TestInvalidSyntax(t *testing.T) {
	for _, pattern := range []string{
		``,
		`some-* or and abc`,
		`and some-*`,
		`some-* or`,
		`some-* or (abc`,
		`some-* or abc)`,
	} {
		_, err := Match(`some-name`, pattern, false)
		assert.ErrorIsf(t, err, ErrParse, "pattern %q", pattern)
	}
}

func TestOperatorPrecedence(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{`def`, `abc and abc or def`, true},
		{`def`, `(abc and abc) or def`, true},
		{`def`, `abc and (abc or def)`, false},
		{`abc`, `abc or def and def`, true},
		{`abc`, `abc or (def and def)`, true},
		{`abc`, `(abc or def) and def`, false},
		{`abc`, `not def and abc`, true},
		{`abc`, `not (def and abc)`, true},
		{`abc`, `not not abc`, true},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, mustMatch(t, tt.name, tt.pattern, false),
			"match(%q, %q)", tt.name, tt.pattern)
	}
}

func TestWildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{`abc.example.com`, `*.example.com`, true},
		{`123.456.example.com`, `*.example.com`, true},
		{`abc.example.net`, `*.example.com`, false},
		{`abc.example.com`, `*.example.com or *.example.net`, true},
		{`123.example.net`, `*.example.com or *.example.net`, true},
		{`def.example.org`, `*.example.com or *.example.net`, false},
		{`def.example.com`, `*.example.com and not abc.*`, true},
		{`abc123.example.com`, `*.example.com and not abc.*`, true},
		{`abc.example.com`, `*.example.com and not abc.*`, false},
		{`def.example.com`, `(*.example.com or *.example.net) and not abc.*`, true},
		{`def.example.net`, `(*.example.com or *.example.net) and not abc.*`, true},
		{`abc.example.com`, `(*.example.com or *.example.net) and not abc.*`, false},
		{`1.example.com`, `[0-9]*.example.com`, true},
		{`456abc.example.com`, `[0-9]*.example.com`, true},
		{`abc.example.com`, `[0-9]*.example.com`, false},
		{`.example.com`, `[0-9]*.example.com`, false},
		{`1a.example.com`, `[0-9]?*.example.com`, true},
		{`456abc.example.com`, `[0-9]?*.example.com`, true},
		{`abc.example.com`, `[0-9]?*.example.com`, false},
		{`1.example.com`, `[0-9]?*.example.com`, false},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, mustMatch(t, tt.name, tt.pattern, false),
			"match(%q, %q)", tt.name, tt.pattern)
	}
}

func TestMatcherObject(t *testing.T) {
	m, err := New(`abc`, false)
	require.NoError(t, err)
	assert.True(t, m.Matches(`aBc`))
	assert.False(t, m.Matches(`def`))
	assert.Equal(t, `abc`, m.String())

	m, err = New(`aBc`, true)
	require.NoError(t, err)
	assert.True(t, m.Matches(`aBc`))
	assert.False(t, m.Matches(`abc`))
	assert.False(t, m.Matches(`Abc`))
}

func TestWholeStringMatch(t *testing.T) {
	// Patterns match the entire string, never a substring.
	assert.False(t, mustMatch(t, `abc.example.com`, `example`, false))
	assert.False(t, mustMatch(t, `abc.example.com`, `abc.example`, false))
	assert.True(t, mustMatch(t, `abc.example.com`, `abc.example.com`, false))
}

func TestExpressionCache(t *testing.T) {
	// The same pattern compiles once and evaluates consistently when
	// served from the cache.
	for i := 0; i < 3; i++ {
		assert.True(t, mustMatch(t, `host-1`, `host-?`, false))
		assert.True(t, mustMatch(t, `HOST-1`, `host-?`, false))
		assert.False(t, mustMatch(t, `HOST-1`, `host-?`, true))
	}
}
