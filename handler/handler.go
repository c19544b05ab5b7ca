/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package handler provides the request handlers served by the HTTP and
// TFTP servers: the file handler that serves static or template-rendered
// files parameterized by system identity, and the sqlite_update handler
// that mutates the SQLite data store.
package handler

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/gravwell/vinegar/httpserver"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/tftp"
)

var (
	ErrUnknownHandler = errors.New("unknown request handler")
)

// HTTPFactory creates an HTTP request handler from its configuration
// block.
type HTTPFactory func(config *odict.Map, lg *log.Logger) (httpserver.RequestHandler, error)

// TFTPFactory creates a TFTP request handler from its configuration
// block.
type TFTPFactory func(config *odict.Map, lg *log.Logger) (tftp.RequestHandler, error)

var (
	registryMtx  sync.RWMutex
	httpRegistry = map[string]HTTPFactory{}
	tftpRegistry = map[string]TFTPFactory{}
)

// RegisterHTTP makes an HTTP handler factory available under the given
// name.
func RegisterHTTP(name string, factory HTTPFactory) {
	registryMtx.Lock()
	httpRegistry[name] = factory
	registryMtx.Unlock()
}

// RegisterTFTP makes a TFTP handler factory available under the given
// name.
func RegisterTFTP(name string, factory TFTPFactory) {
	registryMtx.Lock()
	tftpRegistry[name] = factory
	registryMtx.Unlock()
}

// NewHTTP creates an HTTP request handler by name.
func NewHTTP(name string, config *odict.Map, lg *log.Logger) (httpserver.RequestHandler, error) {
	registryMtx.RLock()
	factory, ok := httpRegistry[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	if config == nil {
		config = odict.NewMap()
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return factory(config, lg)
}

// NewTFTP creates a TFTP request handler by name.
func NewTFTP(name string, config *odict.Map, lg *log.Logger) (tftp.RequestHandler, error) {
	registryMtx.RLock()
	factory, ok := tftpRegistry[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	if config == nil {
		config = odict.NewMap()
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return factory(config, lg)
}

// memoryFile is an in-memory read stream for rendered template output. It
// reports its remaining length so the TFTP transfer size option can be
// answered.
type memoryFile struct {
	*bytes.Reader
}

func newMemoryFile(content []byte) *memoryFile {
	return &memoryFile{
		Reader: bytes.NewReader(content),
	}
}

func (*memoryFile) Close() error {
	return nil
}
