package store

import (
	"database/sql"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/sagaflow/internal/testutil"
)

func TestPostgresStores_Conformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Postgres container test in short mode")
	}

	dsn := testutil.GetPostgresEndpoint(t)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	stores, err := NewPostgresStores(db)
	require.NoError(t, err)

	runStoreConformance(t, stores)
}
