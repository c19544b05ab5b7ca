/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package sqlitestore provides the SQLite-backed store of per-system
// key/value data. It is primarily the backend of the sqlite data source
// and the sqlite_update request handler, but it can be used on its own to
// inspect or modify the database of a running server.
//
// Values are stored JSON-encoded in a single table keyed by system ID and
// key. A store is safe for use by multiple goroutines; all statements are
// serialized through one mutex because concurrent writers on the same
// connection are not.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotStorable = errors.New("value is not strictly JSON serializable")
)

const schema = `
CREATE TABLE IF NOT EXISTS system_data (
    system_id TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (system_id, key)) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS system_id_index
    ON system_data (system_id);
CREATE INDEX IF NOT EXISTS key_value_index
    ON system_data (key, value);
`

// Store is a data store backed by an SQLite database file.
type Store struct {
	mtx         sync.Mutex
	db          *sql.DB
	strictCheck bool
}

// Open opens a store backed by the specified database file, creating the
// file and the schema when they do not exist yet. Strict value checking is
// enabled.
func Open(dbFile string) (*Store, error) {
	return OpenEx(dbFile, true)
}

// OpenEx opens a store with explicit control over strict value checking.
// With strict checking enabled, SetValue rejects values that would not
// deserialize back to their original representation (non-string map keys,
// unsupported types, circular references).
func OpenEx(dbFile string, strictValueChecking bool) (*Store, error) {
	db, err := sql.Open(`sqlite`, dbFile)
	if err != nil {
		return nil, err
	}
	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:          db,
		strictCheck: strictValueChecking,
	}, nil
}

// Close closes the underlying database connection. Using the store after
// closing it fails.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Close()
}

// DeleteData deletes all data associated with a system ID.
func (s *Store) DeleteData(systemID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, err := s.db.Exec(`DELETE FROM system_data WHERE system_id=?;`, systemID)
	return err
}

// DeleteValue deletes the data associated with a system ID and a specific
// key. Data stored under different keys is not affected.
func (s *Store) DeleteValue(systemID, key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, err := s.db.Exec(`DELETE FROM system_data WHERE system_id=? AND key=?;`, systemID, key)
	return err
}

// FindSystems returns the system IDs for which the specified key has the
// specified value, ordered by system ID.
func (s *Store) FindSystems(key string, value interface{}) ([]string, error) {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rows, err := s.db.Query(
		`SELECT system_id FROM system_data WHERE key=? AND value=? ORDER BY system_id;`,
		key, string(jsonValue))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var systems []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		systems = append(systems, id)
	}
	return systems, rows.Err()
}

// GetData returns all data associated with a system ID as a flat map. A
// system without data yields an empty map.
func (s *Store) GetData(systemID string) (map[string]interface{}, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rows, err := s.db.Query(
		`SELECT key, value FROM system_data WHERE system_id=? ORDER BY key;`, systemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	data := make(map[string]interface{})
	for rows.Next() {
		var key, jsonValue string
		if err = rows.Scan(&key, &jsonValue); err != nil {
			return nil, err
		}
		var value interface{}
		if err = json.Unmarshal([]byte(jsonValue), &value); err != nil {
			return nil, fmt.Errorf("stored value for %s/%s is not valid JSON: %w", systemID, key, err)
		}
		data[key] = value
	}
	return data, rows.Err()
}

// GetValue returns the value associated with a system ID and key,
// ErrKeyNotFound when the key does not exist for the system.
func (s *Store) GetValue(systemID, key string) (interface{}, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var jsonValue string
	err := s.db.QueryRow(
		`SELECT value FROM system_data WHERE system_id=? AND key=?;`,
		systemID, key).Scan(&jsonValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	} else if err != nil {
		return nil, err
	}
	var value interface{}
	if err = json.Unmarshal([]byte(jsonValue), &value); err != nil {
		return nil, err
	}
	return value, nil
}

// ListSystems returns every system ID for which at least one piece of data
// is stored, ordered by system ID.
func (s *Store) ListSystems() ([]string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	rows, err := s.db.Query(`SELECT DISTINCT system_id FROM system_data ORDER BY system_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var systems []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		systems = append(systems, id)
	}
	return systems, rows.Err()
}

// SetValue stores a value for the specified system ID and key, replacing
// any previous value.
func (s *Store) SetValue(systemID, key string, value interface{}) error {
	if s.strictCheck {
		if err := checkValue(value, nil); err != nil {
			return err
		}
	}
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO system_data (system_id, key, value) VALUES (?, ?, ?);`,
		systemID, key, string(jsonValue))
	return err
}

// checkValue enforces the strict storability rules: JSON scalars,
// string-keyed maps, and lists thereof. The parents list detects circular
// references among containers.
func checkValue(value interface{}, parents []interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]interface{}:
		for _, parent := range parents {
			if sameContainer(parent, value) {
				return fmt.Errorf("%w: circular reference detected", ErrNotStorable)
			}
		}
		for _, mv := range v {
			if err := checkValue(mv, append(parents, value)); err != nil {
				return err
			}
		}
		return nil
	case map[interface{}]interface{}:
		return fmt.Errorf("%w: map keys must be strings", ErrNotStorable)
	case []interface{}:
		for _, parent := range parents {
			if sameContainer(parent, value) {
				return fmt.Errorf("%w: circular reference detected", ErrNotStorable)
			}
		}
		for _, lv := range v {
			if err := checkValue(lv, append(parents, value)); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: value of type %T", ErrNotStorable, value)
}

// sameContainer reports whether two container values share identity.
func sameContainer(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		return ok && len(av) == len(bv) && fmt.Sprintf("%p", av) == fmt.Sprintf("%p", bv)
	case []interface{}:
		bv, ok := b.([]interface{})
		return ok && len(av) == len(bv) && len(av) > 0 && &av[0] == &bv[0]
	}
	return false
}
