/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package utils

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gravwell/vinegar/odict"
)

var reInt = regexp.MustCompile(`^[0-9]+$`)

// SmartLookup wraps a configuration tree and offers colon-path lookups into
// nested maps and sequences, so template code can write
// data.Get("net:mac_addr") instead of chaining lookups. A numeric path
// segment indexes into a sequence; strings are never indexed into.
type SmartLookup struct {
	tree interface{}
}

func NewSmartLookup(tree interface{}) *SmartLookup {
	return &SmartLookup{tree: tree}
}

// Get returns the value stored under the colon-separated path, or nil when
// any segment is missing.
func (sl *SmartLookup) Get(path string) interface{} {
	v, ok := sl.Lookup(path)
	if !ok {
		return nil
	}
	return v
}

// GetDefault returns the value stored under the colon-separated path, or
// def when any segment is missing.
func (sl *SmartLookup) GetDefault(path string, def interface{}) interface{} {
	v, ok := sl.Lookup(path)
	if !ok {
		return def
	}
	return v
}

// Has reports whether the colon-separated path resolves to a value.
func (sl *SmartLookup) Has(path string) bool {
	_, ok := sl.Lookup(path)
	return ok
}

// Lookup resolves the colon-separated path, reporting whether every
// segment resolved.
func (sl *SmartLookup) Lookup(path string) (interface{}, bool) {
	if sl == nil {
		return nil, false
	}
	return LookupPath(sl.tree, strings.Split(path, `:`))
}

// LookupPath traverses a tree along the given key segments.
func LookupPath(tree interface{}, segments []string) (interface{}, bool) {
	current := tree
	for _, seg := range segments {
		switch c := current.(type) {
		case *odict.Map:
			v, ok := c.Get(seg)
			if !ok {
				return nil, false
			}
			current = v
		case map[string]interface{}:
			v, ok := c[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []interface{}:
			if !reInt.MatchString(seg) {
				return nil, false
			}
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, false
			}
			current = c[idx]
		default:
			// Strings and other scalars are never indexed into.
			return nil, false
		}
	}
	return current, true
}
