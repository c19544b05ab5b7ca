/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gravwell/vinegar/odict"
)

func mustMerge(t *testing.T, left, right *odict.Map, mergeLists, mergeSets bool) *odict.Map {
	t.Helper()
	r, err := MergeTrees(left, right, mergeLists, mergeSets)
	require.NoError(t, err)
	return r
}

func mapValues(m *odict.Map) map[string]interface{} {
	r := make(map[string]interface{})
	m.Range(func(k string, v interface{}) bool {
		r[k] = v
		return true
	})
	return r
}

func TestMergeKeyOrder(t *testing.T) {
	left := odict.NewMapFromPairs(`a`, 1, `b`, 2, `c`, 3)
	right := odict.NewMapFromPairs(`d`, 4, `b`, 5)
	merged := mustMerge(t, left, right, false, true)
	// Left keys keep their order, right-only keys are appended.
	assert.Equal(t, []string{`a`, `b`, `c`, `d`}, merged.Keys())
	assert.Equal(t, map[string]interface{}{`a`: 1, `b`: 5, `c`: 3, `d`: 4}, mapValues(merged))
}

func TestMergeNestedMaps(t *testing.T) {
	left := odict.NewMapFromPairs(`net`, odict.NewMapFromPairs(`ip`, `10.0.0.1`, `mask`, 24))
	right := odict.NewMapFromPairs(`net`, odict.NewMapFromPairs(`ip`, `10.0.0.2`, `gw`, `10.0.0.254`))
	merged := mustMerge(t, left, right, false, true)
	nested, err := merged.GetMap(`net`)
	require.NoError(t, err)
	assert.Equal(t, []string{`ip`, `mask`, `gw`}, nested.Keys())
	v, _ := nested.Get(`ip`)
	assert.Equal(t, `10.0.0.2`, v)
}

func TestMergeLists(t *testing.T) {
	left := odict.NewMapFromPairs(`l`, []interface{}{1, 2, 3})
	right := odict.NewMapFromPairs(`l`, []interface{}{3, 4})
	// Without list merging the right sequence replaces the left one.
	merged := mustMerge(t, left, right, false, true)
	v, _ := merged.Get(`l`)
	assert.Equal(t, []interface{}{3, 4}, v)
	// With list merging, right elements not already present are appended.
	merged = mustMerge(t, left, right, true, true)
	v, _ = merged.Get(`l`)
	assert.Equal(t, []interface{}{1, 2, 3, 4}, v)
}

func TestMergeSets(t *testing.T) {
	left := odict.NewMapFromPairs(`s`, odict.NewSet(`a`, `b`))
	right := odict.NewMapFromPairs(`s`, odict.NewSet(`b`, `c`))
	merged := mustMerge(t, left, right, false, true)
	v, _ := merged.Get(`s`)
	set, ok := v.(*odict.Set)
	require.True(t, ok)
	assert.Equal(t, []interface{}{`a`, `b`, `c`}, set.Values())
	// With set merging disabled the right set replaces the left one.
	merged = mustMerge(t, left, right, false, false)
	v, _ = merged.Get(`s`)
	set = v.(*odict.Set)
	assert.Equal(t, []interface{}{`b`, `c`}, set.Values())
}

func TestMergeStringsAreScalars(t *testing.T) {
	left := odict.NewMapFromPairs(`v`, `abc`)
	right := odict.NewMapFromPairs(`v`, `de`)
	merged := mustMerge(t, left, right, true, true)
	v, _ := merged.Get(`v`)
	assert.Equal(t, `de`, v)
}

func TestMergeTypeMismatch(t *testing.T) {
	left := odict.NewMapFromPairs(`k`, odict.NewMapFromPairs(`a`, 1))
	right := odict.NewMapFromPairs(`k`, `scalar`)
	_, err := MergeTrees(left, right, false, true)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// The error names the colon-joined key path.
	left = odict.NewMapFromPairs(`a`, odict.NewMapFromPairs(`b`, odict.NewMapFromPairs(`c`, 1)))
	right = odict.NewMapFromPairs(`a`, odict.NewMapFromPairs(`b`, odict.NewMapFromPairs(`c`, odict.NewMap())))
	_, err = MergeTrees(left, right, false, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `a:b:c`)

	// List/scalar conflicts only matter when list merging is on.
	left = odict.NewMapFromPairs(`l`, []interface{}{1})
	right = odict.NewMapFromPairs(`l`, `x`)
	_, err = MergeTrees(left, right, true, true)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	merged := mustMerge(t, left, right, false, true)
	v, _ := merged.Get(`l`)
	assert.Equal(t, `x`, v)

	// Set/scalar conflicts only matter when set merging is on.
	left = odict.NewMapFromPairs(`s`, odict.NewSet(1))
	right = odict.NewMapFromPairs(`s`, `x`)
	_, err = MergeTrees(left, right, false, true)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	merged = mustMerge(t, left, right, false, false)
	v, _ = merged.Get(`s`)
	assert.Equal(t, `x`, v)
}

func TestMergeIdentity(t *testing.T) {
	a := odict.NewMapFromPairs(`x`, 1, `y`, odict.NewMapFromPairs(`z`, 2))
	empty := odict.NewMap()
	left := mustMerge(t, a, empty, false, true)
	right := mustMerge(t, empty, a, false, true)
	assert.Equal(t, a.Keys(), left.Keys())
	assert.Equal(t, a.Keys(), right.Keys())
	assert.Equal(t, mapValues(a), mapValues(left))
	assert.Equal(t, mapValues(a), mapValues(right))
}

func TestMergeAssociativity(t *testing.T) {
	a := odict.NewMapFromPairs(`k1`, 1, `shared`, odict.NewMapFromPairs(`x`, 1))
	b := odict.NewMapFromPairs(`k2`, 2, `shared`, odict.NewMapFromPairs(`y`, 2))
	c := odict.NewMapFromPairs(`k3`, 3, `shared`, odict.NewMapFromPairs(`x`, 9, `z`, 3))
	leftFirst := mustMerge(t, mustMerge(t, a, b, false, true), c, false, true)
	rightFirst := mustMerge(t, a, mustMerge(t, b, c, false, true), false, true)
	assert.Equal(t, leftFirst.Keys(), rightFirst.Keys())
	ls, _ := leftFirst.GetMap(`shared`)
	rs, _ := rightFirst.GetMap(`shared`)
	assert.Equal(t, ls.Keys(), rs.Keys())
	assert.Equal(t, mapValues(ls), mapValues(rs))
}
