/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package template defines the contract for template engines that render
// files served to clients, and a registry through which engines are
// retrieved by name. The builtin engine is backed by scriggo and registered
// under the name "scriggo".
package template

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/utils"
)

var (
	ErrTemplateNotFound = errors.New("template file not found")
	ErrUnknownEngine    = errors.New("unknown template engine")
)

// RenderError wraps a template compilation or execution failure.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("rendering template %s failed: %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Context carries the values exposed to a template. Data is never indexed
// when nil, templates see lookups on an empty tree instead.
type Context struct {
	// ID is the system ID, empty when no system has been identified.
	ID string
	// Data is the system data tree, nil when no data is available.
	Data *utils.SmartLookup
}

// Engine renders template files. Engines are safe for concurrent use and
// must never serve stale output for a file that has changed on disk.
type Engine interface {
	Render(path string, ctx Context) (string, error)
}

// Factory creates an engine from its configuration block.
type Factory func(config *odict.Map) (Engine, error)

var (
	engineMtx      sync.RWMutex
	engineRegistry = map[string]Factory{}
)

// Register makes an engine factory available under the given name.
func Register(name string, factory Factory) {
	engineMtx.Lock()
	engineRegistry[name] = factory
	engineMtx.Unlock()
}

// GetEngine creates an engine by name using the supplied configuration. A
// nil configuration is treated as empty.
func GetEngine(name string, config *odict.Map) (Engine, error) {
	engineMtx.RLock()
	factory, ok := engineRegistry[name]
	engineMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}
	if config == nil {
		config = odict.NewMap()
	}
	return factory(config)
}
