/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package transform provides pure functions that normalize values on their
// way from request paths and text files into the data tree, and the chain
// machinery that applies a configured sequence of them.
//
// Transformation functions are addressed by a two-segment name of the form
// "module.function", e.g. "mac_address.normalize". The builtin set is
// registered at package initialization; additional functions can be added
// with Register.
package transform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gravwell/vinegar/odict"
)

var (
	ErrUnknownFunction = errors.New("unknown transformation function")
	ErrInvalidChain    = errors.New("invalid transformation chain")
)

// Func is a transformation function. The value is the first input; args
// carries the extra positional and keyword arguments destructured from the
// chain configuration.
type Func func(value interface{}, args Args) (interface{}, error)

var (
	registryMtx sync.RWMutex
	registry    = map[string]Func{}
)

// Register makes a transformation function available under the given
// "module.function" name, replacing any previous registration.
func Register(name string, fn Func) {
	registryMtx.Lock()
	registry[name] = fn
	registryMtx.Unlock()
}

// Get returns the transformation function registered under name.
func Get(name string) (Func, error) {
	registryMtx.RLock()
	fn, ok := registry[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn, nil
}

// Args holds the configured arguments of one chain entry. Positional
// arguments take precedence over keyword arguments of the same parameter.
type Args struct {
	positional []interface{}
	keyword    *odict.Map
}

func NewArgs(positional []interface{}, keyword *odict.Map) Args {
	return Args{positional: positional, keyword: keyword}
}

func (a Args) lookup(index int, name string) (interface{}, bool) {
	if index >= 0 && index < len(a.positional) {
		return a.positional[index], true
	}
	if a.keyword != nil {
		if v, ok := a.keyword.Get(name); ok {
			return v, true
		}
	}
	return nil, false
}

// String returns the string argument at the given position or keyword name.
func (a Args) String(index int, name, def string) (string, error) {
	v, ok := a.lookup(index, name)
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return ``, fmt.Errorf("argument %s: expected a string, got %T", name, v)
	}
	return s, nil
}

// Bool returns the bool argument at the given position or keyword name.
func (a Args) Bool(index int, name string, def bool) (bool, error) {
	v, ok := a.lookup(index, name)
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %s: expected a bool, got %T", name, v)
	}
	return b, nil
}

// Step is one entry of a parsed transformation chain.
type Step struct {
	Name string
	Args Args
}

// Chain is a parsed transformation chain.
type Chain []Step

// ParseChain converts the raw configuration form of a chain into its parsed
// representation. Each item is either a function name or a single-entry
// mapping from function name to its configuration. A mapping configuration
// becomes keyword arguments, a sequence becomes positional arguments, and
// any other value becomes a single positional argument.
func ParseChain(raw interface{}) (Chain, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: expected a list, got %T", ErrInvalidChain, raw)
	}
	chain := make(Chain, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case string:
			chain = append(chain, Step{Name: it})
		case *odict.Map:
			if it.Len() != 1 {
				return nil, fmt.Errorf("%w: a chain entry has to be a string or a mapping with exactly one item", ErrInvalidChain)
			}
			name := it.Keys()[0]
			config, _ := it.Get(name)
			step := Step{Name: name}
			switch cfg := config.(type) {
			case *odict.Map:
				step.Args = NewArgs(nil, cfg)
			case []interface{}:
				step.Args = NewArgs(cfg, nil)
			case nil:
			default:
				step.Args = NewArgs([]interface{}{cfg}, nil)
			}
			chain = append(chain, step)
		default:
			return nil, fmt.Errorf("%w: a chain entry has to be a string or a mapping, got %T", ErrInvalidChain, item)
		}
	}
	// Resolve all names up front so configuration errors surface at
	// startup, not on the first request.
	for _, step := range chain {
		if _, err := Get(step.Name); err != nil {
			return nil, err
		}
	}
	return chain, nil
}

// Apply invokes a single transformation by name.
func Apply(name string, value interface{}, args Args) (interface{}, error) {
	fn, err := Get(name)
	if err != nil {
		return nil, err
	}
	return fn(value, args)
}

// ApplyChain runs the value through every step of the chain in order.
func (c Chain) ApplyChain(value interface{}) (interface{}, error) {
	for _, step := range c {
		fn, err := Get(step.Name)
		if err != nil {
			return nil, err
		}
		if value, err = fn(value, step.Args); err != nil {
			return nil, fmt.Errorf("transformation %s failed: %w", step.Name, err)
		}
	}
	return value, nil
}

func stringValue(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return ``, fmt.Errorf("expected a string value, got %T", v)
	}
	return s, nil
}
