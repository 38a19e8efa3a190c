package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsDir(t *testing.T) {
	dir, err := MigrationsDir()
	require.NoError(t, err)
	assert.Equal(t, "migrations", filepath.Base(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
}

func TestMigrationsCreateEveryTruncatedTable(t *testing.T) {
	dir, err := MigrationsDir()
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	require.NoError(t, err)

	var schema strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f) // #nosec G304 -- test fixture path
		require.NoError(t, err)
		schema.Write(data)
	}
	for _, table := range Tables {
		assert.Contains(t, schema.String(), "CREATE TABLE IF NOT EXISTS "+table+" ", "table %s has no migration", table)
	}
}
