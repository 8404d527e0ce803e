package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLite(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)

			_, err := s.Get(ctx, "missing")
			assert.True(t, IsNotFound(err), "Get(missing) error = %v", err)

			require.NoError(t, s.Set(ctx, "operation:b", []byte("2")))
			require.NoError(t, s.Set(ctx, "operation:a", []byte("1")))
			require.NoError(t, s.Set(ctx, "component:x", []byte("x")))
			require.NoError(t, s.Set(ctx, "operation:a", []byte("1b")))

			v, err := s.Get(ctx, "operation:a")
			require.NoError(t, err)
			assert.Equal(t, "1b", string(v))

			keys, err := s.Keys(ctx, "operation:")
			require.NoError(t, err)
			assert.Equal(t, []string{"operation:a", "operation:b"}, keys)

			require.NoError(t, s.Delete(ctx, "operation:a"))
			require.NoError(t, s.Delete(ctx, "operation:a"))
			_, err = s.Get(ctx, "operation:a")
			assert.True(t, IsNotFound(err))

			type snapshot struct {
				ID    string   `json:"id"`
				Tasks []string `json:"tasks"`
			}
			require.NoError(t, SetJSON(ctx, s, "snap", snapshot{ID: "op", Tasks: []string{"A", "B"}}))
			var got snapshot
			require.NoError(t, GetJSON(ctx, s, "snap", &got))
			assert.Equal(t, snapshot{ID: "op", Tasks: []string{"A", "B"}}, got)
		})
	}
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s := NewSQLiteStore(path)

	assert.False(t, s.IsRunning())
	assert.False(t, s.IsHealthy(ctx))
	_, err := s.Get(ctx, "k")
	assert.Error(t, err, "using a store before Start fails")

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.True(t, s.IsHealthy(ctx))
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(ctx))

	// Data and schema survive a restart.
	reopened := NewSQLiteStore(path)
	require.NoError(t, reopened.Start(ctx))
	defer reopened.Close()
	v, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestOpen(t *testing.T) {
	s, err := Open("memory", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open("", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)

	_, err = Open("sqlite", "")
	assert.Error(t, err)
	_, err = Open("redis", "x")
	assert.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment\nCREATE TABLE a (x INT);\n\n-- other\nCREATE INDEX i ON a(x);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}
