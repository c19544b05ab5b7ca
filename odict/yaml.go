/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package odict

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	yamlTagMap   = `!!map`
	yamlTagSet   = `!!set`
	yamlTagMerge = `!!merge`
)

var (
	ErrDuplicateKey = errors.New("duplicate mapping key")
)

// DecodeYAML parses a YAML document into a tree whose mappings are *Map,
// whose !!set nodes are *Set, and whose sequences are []interface{}. Key
// order is taken from the document. An empty document decodes to nil.
func DecodeYAML(data []byte) (interface{}, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	// The document node wraps the actual content.
	return decodeNode(root.Content[0])
}

// DecodeYAMLMap parses a YAML document that must contain a mapping at its
// top level. A null document returns nil without an error.
func DecodeYAMLMap(data []byte) (*Map, error) {
	v, err := DecodeYAML(data)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	m, ok := v.(*Map)
	if !ok {
		return nil, fmt.Errorf("expected a mapping at the document root, got %T", v)
	}
	return m, nil
}

func decodeNode(n *yaml.Node) (interface{}, error) {
	if n.Kind == yaml.AliasNode {
		return decodeNode(n.Alias)
	}
	switch n.Kind {
	case yaml.MappingNode:
		if n.Tag == yamlTagSet {
			return decodeSet(n)
		}
		return decodeMap(n)
	case yaml.SequenceNode:
		r := make([]interface{}, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := decodeNode(c)
			if err != nil {
				return nil, err
			}
			r = append(r, v)
		}
		return r, nil
	case yaml.ScalarNode:
		var v interface{}
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported YAML node kind %v at line %d", n.Kind, n.Line)
}

func decodeMap(n *yaml.Node) (*Map, error) {
	m := NewMap()
	for i := 0; i+1 < len(n.Content); i += 2 {
		kn, vn := n.Content[i], n.Content[i+1]
		if kn.Tag == yamlTagMerge {
			// "<<: *anchor" merges the referenced mapping without
			// overriding keys that are set explicitly.
			merged, err := decodeNode(vn)
			if err != nil {
				return nil, err
			}
			if err = applyMerge(m, merged); err != nil {
				return nil, fmt.Errorf("line %d: %w", kn.Line, err)
			}
			continue
		}
		var key string
		if err := kn.Decode(&key); err != nil {
			return nil, fmt.Errorf("mapping key at line %d is not a string: %w", kn.Line, err)
		}
		if m.Has(key) {
			return nil, fmt.Errorf("%w: %s at line %d", ErrDuplicateKey, key, kn.Line)
		}
		v, err := decodeNode(vn)
		if err != nil {
			return nil, err
		}
		m.Set(key, v)
	}
	return m, nil
}

func applyMerge(dst *Map, merged interface{}) error {
	switch src := merged.(type) {
	case *Map:
		src.Range(func(k string, v interface{}) bool {
			if !dst.Has(k) {
				dst.Set(k, v)
			}
			return true
		})
	case []interface{}:
		for _, item := range src {
			if err := applyMerge(dst, item); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("merge key value must be a mapping, got %T", merged)
	}
	return nil
}

func decodeSet(n *yaml.Node) (*Set, error) {
	s := NewSet()
	for i := 0; i+1 < len(n.Content); i += 2 {
		v, err := decodeNode(n.Content[i])
		if err != nil {
			return nil, err
		}
		s.Add(v)
	}
	return s, nil
}
