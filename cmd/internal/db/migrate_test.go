package db

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	t.Parallel()

	d, err := ParseDirection(" UP ")
	require.NoError(t, err)
	require.Equal(t, Up, d)

	d, err = ParseDirection("down")
	require.NoError(t, err)
	require.Equal(t, Down, d)

	_, err = ParseDirection("sideways")
	require.Error(t, err)
}

func TestMigrationFS_PairsUpAndDown(t *testing.T) {
	t.Parallel()

	entries, err := fs.ReadDir(MigrationFS, "migrations")
	require.NoError(t, err)

	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	require.Positive(t, ups)
	require.Equal(t, ups, downs)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	t.Parallel()
	require.Error(t, Migrate("", Up))
}
