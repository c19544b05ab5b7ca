/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package datasource

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/gravwell/vinegar/odict"
)

var (
	ErrTypeMismatch = errors.New("cannot merge values of mismatched types")
)

// MergeTrees merges two configuration trees.
//
// The result contains the keys of left in their original order followed by
// the keys that only appear in right. For keys present in both trees the
// values are combined: nested maps merge recursively, sets form their union
// when mergeSets is enabled, sequences concatenate (skipping elements
// already present on the left) when mergeLists is enabled, and any other
// value from right replaces the one from left. Strings and byte slices are
// scalars, never sequences.
//
// A map on one side and a non-map on the other is always an error. When set
// or list merging is enabled, the same applies to sets and sequences.
func MergeTrees(left, right *odict.Map, mergeLists, mergeSets bool) (*odict.Map, error) {
	return mergeTrees(left, right, mergeLists, mergeSets, ``)
}

func mergeTrees(left, right *odict.Map, mergeLists, mergeSets bool, parentKey string) (*odict.Map, error) {
	merged := odict.NewMap()
	var mergeErr error
	left.Range(func(key string, value interface{}) bool {
		override, ok := right.Get(key)
		if !ok {
			merged.Set(key, value)
			return true
		}
		absoluteKey := key
		if parentKey != `` {
			absoluteKey = parentKey + `:` + key
		}
		mergedValue, err := mergeValues(value, override, mergeLists, mergeSets, absoluteKey)
		if err != nil {
			mergeErr = err
			return false
		}
		merged.Set(key, mergedValue)
		return true
	})
	if mergeErr != nil {
		return nil, mergeErr
	}
	right.Range(func(key string, value interface{}) bool {
		if !merged.Has(key) {
			merged.Set(key, value)
		}
		return true
	})
	return merged, nil
}

func mergeValues(value, override interface{}, mergeLists, mergeSets bool, absoluteKey string) (interface{}, error) {
	valMap, valIsMap := value.(*odict.Map)
	ovalMap, ovalIsMap := override.(*odict.Map)
	valSet, valIsSet := value.(*odict.Set)
	ovalSet, ovalIsSet := override.(*odict.Set)
	valSeq, valIsSeq := sequenceValue(value)
	ovalSeq, ovalIsSeq := sequenceValue(override)
	switch {
	case valIsMap && ovalIsMap:
		return mergeTrees(valMap, ovalMap, mergeLists, mergeSets, absoluteKey)
	case mergeLists && valIsSeq && ovalIsSeq:
		mergedList := make([]interface{}, 0, len(valSeq)+len(ovalSeq))
		mergedList = append(mergedList, valSeq...)
		for _, element := range ovalSeq {
			if !sequenceContains(mergedList, element) {
				mergedList = append(mergedList, element)
			}
		}
		return mergedList, nil
	case mergeSets && valIsSet && ovalIsSet:
		return valSet.Union(ovalSet), nil
	case valIsMap || ovalIsMap:
		return nil, fmt.Errorf("%w: mapping with non-mapping type while trying to merge value for key %s", ErrTypeMismatch, absoluteKey)
	case mergeSets && (valIsSet || ovalIsSet):
		return nil, fmt.Errorf("%w: set with non-set type while trying to merge value for key %s", ErrTypeMismatch, absoluteKey)
	case mergeLists && (valIsSeq || ovalIsSeq):
		return nil, fmt.Errorf("%w: sequence with non-sequence type while trying to merge value for key %s", ErrTypeMismatch, absoluteKey)
	}
	return override, nil
}

// sequenceValue reports whether v is a sequence for merge purposes.
// Strings and byte slices are scalars.
func sequenceValue(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case string, []byte:
		return nil, false
	}
	return nil, false
}

func sequenceContains(seq []interface{}, element interface{}) bool {
	for _, e := range seq {
		if reflect.DeepEqual(e, element) {
			return true
		}
	}
	return false
}
