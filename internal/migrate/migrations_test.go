package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fireline/internal/db"
	"fireline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	applied, latest, err := migrate.Status(conn)
	require.NoError(t, err)
	require.Zero(t, applied)
	require.Positive(t, latest)

	require.NoError(t, migrate.Migrate(conn))
	require.NoError(t, migrate.Migrate(conn))

	applied, latest2, err := migrate.Status(conn)
	require.NoError(t, err)
	require.Equal(t, latest, applied)
	require.Equal(t, latest, latest2)

	var tables int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('incidents','incident_events')`).Scan(&tables))
	require.Equal(t, 2, tables)
}
