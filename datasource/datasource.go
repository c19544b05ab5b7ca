/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package datasource defines the contract for sources of per-system
// configuration data and the machinery to chain several of them into one
// composite source.
//
// A data source answers two questions: which system does a key/value pair
// identify (FindSystem), and what configuration data belongs to a known
// system (GetData). GetData also returns an opaque version string that
// changes whenever any input contributing to the returned tree changes, so
// callers can cache derived results.
//
// Data sources are safe for concurrent use.
package datasource

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/utils"
)

var (
	ErrUnknownSource = errors.New("unknown data source")
)

// DataSource provides configuration data for systems.
type DataSource interface {
	// FindSystem returns the ID of the system identified by the given
	// key/value pair, or the empty string when no single system can be
	// identified.
	FindSystem(lookupKey string, lookupValue interface{}) (string, error)

	// GetData returns the data tree associated with the system together
	// with a version string. The preceding data of earlier sources in a
	// chain is passed in for reference, merging it is the caller's job.
	GetData(systemID string, precedingData *odict.Map, precedingDataVersion string) (*odict.Map, string, error)
}

// DataSourceAware is implemented by components that want a data source
// injected after construction, typically request handlers.
type DataSourceAware interface {
	SetDataSource(source DataSource)
}

// InjectDataSource sets the data source on obj if it is DataSourceAware.
// It is safe to call for any object.
func InjectDataSource(obj interface{}, source DataSource) {
	if aware, ok := obj.(DataSourceAware); ok {
		aware.SetDataSource(source)
	}
}

// Factory creates a data source from its configuration block. The logger
// is used for per-line and per-system diagnostics.
type Factory func(config *odict.Map, lg *log.Logger) (DataSource, error)

var (
	registryMtx sync.RWMutex
	registry    = map[string]Factory{}
)

// Register makes a data-source factory available under the given name.
func Register(name string, factory Factory) {
	registryMtx.Lock()
	registry[name] = factory
	registryMtx.Unlock()
}

// New creates a data source by name using the supplied configuration.
func New(name string, config *odict.Map, lg *log.Logger) (DataSource, error) {
	registryMtx.RLock()
	factory, ok := registry[name]
	registryMtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	if config == nil {
		config = odict.NewMap()
	}
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return factory(config, lg)
}

// compositeSource chains multiple data sources. Each source receives the
// accumulated data of its predecessors as preceding data, and its result is
// merged into the accumulator.
type compositeSource struct {
	sources    []DataSource
	mergeLists bool
	mergeSets  bool
}

// Composite returns a data source that chains the given sources. The
// mergeLists and mergeSets flags control how sequences and sets combine
// when the per-source results are merged.
func Composite(sources []DataSource, mergeLists, mergeSets bool) DataSource {
	return &compositeSource{
		sources:    sources,
		mergeLists: mergeLists,
		mergeSets:  mergeSets,
	}
}

func (c *compositeSource) FindSystem(lookupKey string, lookupValue interface{}) (string, error) {
	for _, source := range c.sources {
		id, err := source.FindSystem(lookupKey, lookupValue)
		if err != nil {
			return ``, err
		}
		if id != `` {
			return id, nil
		}
	}
	return ``, nil
}

func (c *compositeSource) GetData(systemID string, precedingData *odict.Map, precedingDataVersion string) (*odict.Map, string, error) {
	if precedingData == nil {
		precedingData = odict.NewMap()
	}
	for _, source := range c.sources {
		newData, newVersion, err := source.GetData(systemID, precedingData, precedingDataVersion)
		if err != nil {
			return nil, ``, err
		}
		if precedingData, err = MergeTrees(precedingData, newData, c.mergeLists, c.mergeSets); err != nil {
			return nil, ``, err
		}
		precedingDataVersion = utils.AggregateVersion([]string{precedingDataVersion, newVersion})
	}
	return precedingData, precedingDataVersion, nil
}
