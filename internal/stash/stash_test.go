package stash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirtypool/dirtypool/internal/dirtyerr"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	s.Put("sessions", "user:1", "alice")
	v, err := s.Get("sessions", "user:1")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)
}

func TestGetMissingKeyReturnsKeyNotFound(t *testing.T) {
	s := New()
	s.Ensure("sessions")
	_, err := s.Get("sessions", "nope")
	require.Error(t, err)
	assert.True(t, dirtyerr.Is(err, "StashKeyNotFoundError"))
}

func TestGetMissingTableReturnsKeyNotFound(t *testing.T) {
	s := New()
	_, err := s.Get("ghost", "nope")
	require.Error(t, err)
	assert.True(t, dirtyerr.Is(err, "StashKeyNotFoundError"))
}

func TestExistsAndDelete(t *testing.T) {
	s := New()
	s.Put("sessions", "user:1", "alice")
	assert.True(t, s.Exists("sessions", "user:1"))

	assert.True(t, s.Delete("sessions", "user:1"))
	assert.False(t, s.Exists("sessions", "user:1"))
	assert.False(t, s.Delete("sessions", "user:1"))
}

func TestKeysWithGlobPattern(t *testing.T) {
	s := New()
	s.Put("sessions", "user:1", "a")
	s.Put("sessions", "user:2", "b")
	s.Put("sessions", "admin:1", "c")

	keys, err := s.Keys("sessions", "user:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, keys)
}

func TestKeysOnMissingTableErrors(t *testing.T) {
	s := New()
	_, err := s.Keys("ghost", "")
	require.Error(t, err)
	assert.True(t, dirtyerr.Is(err, "StashTableNotFoundError"))
}

func TestClearKeepsTableButEmptiesIt(t *testing.T) {
	s := New()
	s.Put("sessions", "user:1", "a")
	require.NoError(t, s.Clear("sessions"))

	keys, err := s.Keys("sessions", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDeleteTableRemovesItEntirely(t *testing.T) {
	s := New()
	s.Put("sessions", "user:1", "a")
	require.NoError(t, s.DeleteTable("sessions"))
	_, err := s.Keys("sessions", "")
	assert.True(t, dirtyerr.Is(err, "StashTableNotFoundError"))
}

func TestTablesListsAllWithKeyCounts(t *testing.T) {
	s := New()
	s.Put("a", "k1", 1)
	s.Put("a", "k2", 2)
	s.Put("b", "k1", 1)

	tables := s.Tables()
	require.Len(t, tables, 2)
	assert.Equal(t, TableInfo{Name: "a", KeyCount: 2}, tables[0])
	assert.Equal(t, TableInfo{Name: "b", KeyCount: 1}, tables[1])
}

func TestInfoOnMissingTableErrors(t *testing.T) {
	s := New()
	_, err := s.Info("ghost")
	assert.True(t, dirtyerr.Is(err, "StashTableNotFoundError"))
}
