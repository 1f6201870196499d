package persistence

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListMigrationFiles_SortedBySuffix(t *testing.T) {
	files := fstest.MapFS{
		"0002_projections.up.sql": {Data: []byte("--")},
		"0001_event_log.up.sql":   {Data: []byte("--")},
		"0001_event_log.down.sql": {Data: []byte("--")},
		"embed.go":                {Data: []byte("package migrations")},
		"0003_later.down.sql":     {Data: []byte("--")},
		"nested/0009_skip.up.sql": {Data: []byte("--")},
	}

	up, err := listMigrationFiles(files, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_event_log.up.sql", "0002_projections.up.sql"}, up)

	down, err := listMigrationFiles(files, ".down.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"0001_event_log.down.sql", "0003_later.down.sql"}, down)
}

func TestExtractVersion(t *testing.T) {
	assert.Equal(t, "0001", extractVersion("0001_event_log.up.sql"))
	assert.Equal(t, "noversion.sql", extractVersion("noversion.sql"))
}
