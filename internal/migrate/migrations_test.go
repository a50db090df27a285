package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	defer conn.Close()

	latest, err := Latest()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, latest, 2)

	v, err := Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	v, err = Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	var count int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLedgerRowsAreImmutable(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Memory: true})
	require.NoError(t, err)
	defer conn.Close()
	_, err = Migrate(ctx, conn)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO tasks(id, org_id, title, assigned_to, phase, sub_state, created_at, updated_at)
		VALUES ('t1', 'acme', 'Task', 'a1', 'design_guidance', 'in_progress', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO transitions(id, task_id, actor_id, actor_role, action, from_phase, to_phase, created_at)
		VALUES ('tr1', 't1', 'm1', 'manager', 'approve', 'requirement_refiner', 'design_guidance', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE transitions SET comment='edited' WHERE id='tr1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
	_, err = conn.ExecContext(ctx, `DELETE FROM transitions WHERE id='tr1'`)
	require.Error(t, err)
}
