/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sqlite provides a data source backed by the SQLite store. It
// performs no caching of its own: values in the database may be changed by
// concurrent writers (the sqlite_update request handler, other processes)
// and reads must observe those changes immediately.
package sqlite

import (
	"errors"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gravwell/vinegar/datasource"
	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/odict"
	"github.com/gravwell/vinegar/sqlitestore"
	"github.com/gravwell/vinegar/utils"
)

const SourceName = `sqlite`

func init() {
	datasource.Register(SourceName, NewSource)
}

// Source is the sqlite data source.
type Source struct {
	store             *sqlitestore.Store
	findSystemEnabled bool
	keyPrefix         string
}

// NewSource creates a sqlite data source from its configuration block.
// Options: db_file (mandatory), find_system_enabled (default true), and
// key_prefix (wraps the flat store keys into a nested subtree).
func NewSource(config *odict.Map, _ *log.Logger) (datasource.DataSource, error) {
	dbFile, err := config.GetString(`db_file`, ``)
	if err != nil {
		return nil, err
	} else if dbFile == `` {
		return nil, errors.New("the db_file configuration option is mandatory")
	}
	findSystemEnabled, err := config.GetBool(`find_system_enabled`, true)
	if err != nil {
		return nil, err
	}
	keyPrefix, err := config.GetString(`key_prefix`, ``)
	if err != nil {
		return nil, err
	}
	store, err := sqlitestore.Open(dbFile)
	if err != nil {
		return nil, err
	}
	return &Source{
		store:             store,
		findSystemEnabled: findSystemEnabled,
		keyPrefix:         keyPrefix,
	}, nil
}

// Close closes the backing store. Mainly useful for tests that rapidly
// create and discard sources.
func (s *Source) Close() error {
	return s.store.Close()
}

func (s *Source) FindSystem(lookupKey string, lookupValue interface{}) (string, error) {
	if !s.findSystemEnabled {
		return ``, nil
	}
	if s.keyPrefix != `` {
		if !strings.HasPrefix(lookupKey, s.keyPrefix+`:`) {
			return ``, nil
		}
		lookupKey = lookupKey[len(s.keyPrefix)+1:]
	}
	systems, err := s.store.FindSystems(lookupKey, lookupValue)
	if err != nil {
		return ``, err
	}
	if len(systems) == 1 {
		return systems[0], nil
	}
	return ``, nil
}

func (s *Source) GetData(systemID string, _ *odict.Map, _ string) (*odict.Map, string, error) {
	flat, err := s.store.GetData(systemID)
	if err != nil {
		return nil, ``, err
	}
	data := odict.NewMap()
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data.Set(k, flat[k])
	}
	if s.keyPrefix != `` {
		components := strings.Split(s.keyPrefix, `:`)
		for i := len(components) - 1; i >= 0; i-- {
			wrapped := odict.NewMap()
			wrapped.Set(components[i], data)
			data = wrapped
		}
	}
	// The version is derived from the JSON form of the flat data, so it
	// changes exactly when the stored values change.
	encoded, err := json.Marshal(flat)
	if err != nil {
		return nil, ``, err
	}
	return data, utils.VersionForString(string(encoded)), nil
}
