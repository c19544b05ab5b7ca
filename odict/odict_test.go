/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package odict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOrder(t *testing.T) {
	m := NewMap()
	m.Set(`z`, 1)
	m.Set(`a`, 2)
	m.Set(`m`, 3)
	assert.Equal(t, []string{`z`, `a`, `m`}, m.Keys())

	// Updating a key keeps its position.
	m.Set(`a`, 4)
	assert.Equal(t, []string{`z`, `a`, `m`}, m.Keys())
	v, ok := m.Get(`a`)
	assert.True(t, ok)
	assert.Equal(t, 4, v)

	m.Delete(`a`)
	assert.Equal(t, []string{`z`, `m`}, m.Keys())
	assert.False(t, m.Has(`a`))
}

func TestMapRange(t *testing.T) {
	m := NewMapFromPairs(`a`, 1, `b`, 2, `c`, 3)
	var keys []string
	m.Range(func(k string, v interface{}) bool {
		keys = append(keys, k)
		return k != `b`
	})
	assert.Equal(t, []string{`a`, `b`}, keys)
}

func TestSet(t *testing.T) {
	s := NewSet(`a`, `b`, `a`)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Has(`a`))
	assert.False(t, s.Has(`c`))
	assert.Equal(t, []interface{}{`a`, `b`}, s.Values())

	u := s.Union(NewSet(`b`, `c`))
	assert.Equal(t, []interface{}{`a`, `b`, `c`}, u.Values())
}

func TestDecodeYAMLOrder(t *testing.T) {
	doc := []byte("z: 1\na: 2\nnested:\n  second: x\n  first: y\n")
	m, err := DecodeYAMLMap(doc)
	require.NoError(t, err)
	assert.Equal(t, []string{`z`, `a`, `nested`}, m.Keys())
	nested, err := m.GetMap(`nested`)
	require.NoError(t, err)
	assert.Equal(t, []string{`second`, `first`}, nested.Keys())
}

func TestDecodeYAMLScalars(t *testing.T) {
	doc := []byte("int: 42\nfloat: 1.5\nbool: true\nstr: abc\nnull_value:\n")
	m, err := DecodeYAMLMap(doc)
	require.NoError(t, err)
	v, _ := m.Get(`int`)
	assert.Equal(t, 42, v)
	v, _ = m.Get(`float`)
	assert.Equal(t, 1.5, v)
	v, _ = m.Get(`bool`)
	assert.Equal(t, true, v)
	v, _ = m.Get(`str`)
	assert.Equal(t, `abc`, v)
	v, ok := m.Get(`null_value`)
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestDecodeYAMLSequence(t *testing.T) {
	doc := []byte("list:\n  - a\n  - 2\n  - nested: true\n")
	m, err := DecodeYAMLMap(doc)
	require.NoError(t, err)
	v, _ := m.Get(`list`)
	list, ok := v.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 3)
	assert.Equal(t, `a`, list[0])
	assert.Equal(t, 2, list[1])
	nested, ok := list[2].(*Map)
	require.True(t, ok)
	assert.True(t, nested.Has(`nested`))
}

func TestDecodeYAMLSet(t *testing.T) {
	doc := []byte("tags: !!set\n  ? a\n  ? b\n")
	m, err := DecodeYAMLMap(doc)
	require.NoError(t, err)
	v, _ := m.Get(`tags`)
	set, ok := v.(*Set)
	require.True(t, ok)
	assert.True(t, set.Has(`a`))
	assert.True(t, set.Has(`b`))
	assert.Equal(t, 2, set.Len())
}

func TestDecodeYAMLEmpty(t *testing.T) {
	m, err := DecodeYAMLMap([]byte(``))
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = DecodeYAMLMap([]byte("# only a comment\n"))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDecodeYAMLErrors(t *testing.T) {
	_, err := DecodeYAMLMap([]byte("- just\n- a\n- list\n"))
	assert.Error(t, err)

	_, err = DecodeYAMLMap([]byte("a: 1\na: 2\n"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDecodeYAMLAnchors(t *testing.T) {
	doc := []byte("base: &ref\n  x: 1\ncopy: *ref\n")
	m, err := DecodeYAMLMap(doc)
	require.NoError(t, err)
	copied, err := m.GetMap(`copy`)
	require.NoError(t, err)
	v, _ := copied.Get(`x`)
	assert.Equal(t, 1, v)
}
