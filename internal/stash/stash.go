// Package stash implements the arbiter-resident key-value tables shared
// across dirty workers, the Go counterpart of
// original_source/gunicorn/dirty/stash.py's server-side table store. The
// store carries no internal locking of its own — callers serialize access
// (internal/arbiter holds its own mutex around every stash call).
package stash

import (
	"path"
	"sort"

	"github.com/dirtypool/dirtypool/internal/dirtyerr"
)

// TableInfo summarizes one table for the INFO/TABLES control operations.
type TableInfo struct {
	Name     string
	KeyCount int
}

// Store holds the named tables. The zero value is ready to use.
type Store struct {
	tables map[string]map[string]any
}

// New returns an empty store.
func New() *Store {
	return &Store{tables: make(map[string]map[string]any)}
}

// Ensure creates table if it does not already exist. Idempotent.
func (s *Store) Ensure(table string) {
	if s.tables == nil {
		s.tables = make(map[string]map[string]any)
	}
	if _, ok := s.tables[table]; !ok {
		s.tables[table] = make(map[string]any)
	}
}

// Put stores value under key in table, creating the table if needed.
func (s *Store) Put(table, key string, value any) {
	s.Ensure(table)
	s.tables[table][key] = value
}

// Get retrieves the value stored at key in table. It returns
// StashKeyNotFoundError if the table or key is absent.
func (s *Store) Get(table, key string) (any, error) {
	t, ok := s.tables[table]
	if !ok {
		return nil, newKeyNotFound(table, key)
	}
	v, ok := t[key]
	if !ok {
		return nil, newKeyNotFound(table, key)
	}
	return v, nil
}

// Exists reports whether key is present in table.
func (s *Store) Exists(table, key string) bool {
	t, ok := s.tables[table]
	if !ok {
		return false
	}
	_, ok = t[key]
	return ok
}

// Delete removes key from table, returning whether it was present.
func (s *Store) Delete(table, key string) bool {
	t, ok := s.tables[table]
	if !ok {
		return false
	}
	if _, ok := t[key]; !ok {
		return false
	}
	delete(t, key)
	return true
}

// Keys returns the keys in table, optionally filtered by a path.Match glob
// pattern (mirroring the Python client's "user:*" style patterns). Returns
// a StashTableNotFoundError if the table does not exist.
func (s *Store) Keys(table, pattern string) ([]string, error) {
	t, ok := s.tables[table]
	if !ok {
		return nil, newTableNotFound(table)
	}
	out := make([]string, 0, len(t))
	for k := range t {
		if pattern != "" {
			matched, err := path.Match(pattern, k)
			if err != nil || !matched {
				continue
			}
		}
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Clear removes all entries from table without deleting the table itself.
// Returns a StashTableNotFoundError if the table does not exist.
func (s *Store) Clear(table string) error {
	t, ok := s.tables[table]
	if !ok {
		return newTableNotFound(table)
	}
	for k := range t {
		delete(t, k)
	}
	return nil
}

// DeleteTable removes table entirely. Returns a StashTableNotFoundError if
// the table does not exist.
func (s *Store) DeleteTable(table string) error {
	if _, ok := s.tables[table]; !ok {
		return newTableNotFound(table)
	}
	delete(s.tables, table)
	return nil
}

// Tables lists every known table with its current key count.
func (s *Store) Tables() []TableInfo {
	out := make([]TableInfo, 0, len(s.tables))
	for name, t := range s.tables {
		out = append(out, TableInfo{Name: name, KeyCount: len(t)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info reports KeyCount for a single table. Returns a
// StashTableNotFoundError if the table does not exist.
func (s *Store) Info(table string) (TableInfo, error) {
	t, ok := s.tables[table]
	if !ok {
		return TableInfo{}, newTableNotFound(table)
	}
	return TableInfo{Name: table, KeyCount: len(t)}, nil
}

func newTableNotFound(table string) *dirtyerr.Error {
	return &dirtyerr.Error{
		ErrKind: "StashTableNotFoundError",
		Msg:     "stash table not found: " + table,
		Extra:   map[string]any{"table": table},
	}
}

func newKeyNotFound(table, key string) *dirtyerr.Error {
	return &dirtyerr.Error{
		ErrKind: "StashKeyNotFoundError",
		Msg:     "key not found in " + table + ": " + key,
		Extra:   map[string]any{"table": table, "key": key},
	}
}
