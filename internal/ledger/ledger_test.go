package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/db"
	"phasegate/internal/domain"
	"phasegate/internal/migrate"
	"phasegate/internal/repo"
)

func setup(t *testing.T) (*sql.DB, Writer, Reader) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	require.NoError(t, r.PutActor(ctx, domain.Actor{ID: "lead", DisplayName: "Lee", Role: domain.RoleTeamLead, OrgID: "acme", CreatedAt: "2024-01-01T00:00:00.000000000Z"}))
	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, r.InsertTask(ctx, nil, domain.Task{
			ID: id, OrgID: "acme", Title: id, AssignedTo: "dev",
			Phase: domain.PhaseDesignGuidance, SubState: domain.SubStateInProgress,
			CreatedAt: "2024-01-01T00:00:00.000000000Z", UpdatedAt: "2024-01-01T00:00:00.000000000Z",
		}))
	}

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := Writer{Now: func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}}
	return conn, w, Reader{DB: conn}
}

func appendRec(t *testing.T, conn *sql.DB, w Writer, rec domain.TransitionRecord) domain.TransitionRecord {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	out, err := w.Append(ctx, tx, rec)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return out
}

func TestAppendAssignsIdentity(t *testing.T) {
	conn, w, _ := setup(t)
	rec := appendRec(t, conn, w, domain.TransitionRecord{
		TaskID: "t1", ActorID: "dev", ActorRole: domain.RoleEmployee,
		Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance,
	})
	assert.NotEmpty(t, rec.ID)
	assert.Positive(t, rec.Seq)
	assert.Equal(t, "2024-01-01T00:00:00.001000000Z", rec.CreatedAt)
}

func TestAppendRejectsUnknownAction(t *testing.T) {
	conn, w, _ := setup(t)
	tx, err := conn.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = w.Append(context.Background(), tx, domain.TransitionRecord{TaskID: "t1", Action: "escalate"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = w.Append(context.Background(), nil, domain.TransitionRecord{TaskID: "t1", Action: domain.ActionApprove})
	assert.Error(t, err)
}

func TestRecordsOrderedAndRestartable(t *testing.T) {
	conn, w, r := setup(t)
	comment := "fine"
	appendRec(t, conn, w, domain.TransitionRecord{TaskID: "t1", ActorID: "dev", ActorRole: domain.RoleEmployee, Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance})
	appendRec(t, conn, w, domain.TransitionRecord{TaskID: "t2", ActorID: "dev", ActorRole: domain.RoleEmployee, Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance})
	appendRec(t, conn, w, domain.TransitionRecord{TaskID: "t1", ActorID: "lead", ActorRole: domain.RoleTeamLead, Action: domain.ActionApprove, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseBuildGuidance, Comment: &comment})

	ctx := context.Background()
	first, err := r.Collect(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, domain.ActionRequestValidation, first[0].Action)
	assert.Equal(t, domain.ActionApprove, first[1].Action)
	assert.Less(t, first[0].Seq, first[1].Seq)
	require.NotNil(t, first[1].Comment)
	assert.Equal(t, "fine", *first[1].Comment)

	seq := r.Records(ctx, "t1")
	var again []domain.TransitionRecord
	for rec, err := range seq {
		require.NoError(t, err)
		again = append(again, rec)
	}
	assert.Equal(t, first, again)

	// Breaking out early must not leak the cursor or poison the next range.
	for range seq {
		break
	}
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)
}

func TestHistoryResolvesNames(t *testing.T) {
	conn, w, r := setup(t)
	appendRec(t, conn, w, domain.TransitionRecord{TaskID: "t1", ActorID: "dev", ActorRole: domain.RoleEmployee, Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance})
	reason := "needs more detail"
	appendRec(t, conn, w, domain.TransitionRecord{TaskID: "t1", ActorID: "lead", ActorRole: domain.RoleTeamLead, Action: domain.ActionReject, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance, Comment: &reason})

	h, err := r.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, domain.UnknownActorName, h[0].ActorName)
	assert.Equal(t, "", h[0].Comment)
	assert.Equal(t, "Lee", h[1].ActorName)
	assert.Equal(t, reason, h[1].Comment)

	empty, err := r.History(context.Background(), "t2")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestLedgerIsAppendOnly(t *testing.T) {
	conn, w, _ := setup(t)
	rec := appendRec(t, conn, w, domain.TransitionRecord{TaskID: "t1", ActorID: "dev", ActorRole: domain.RoleEmployee, Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance})

	_, err := conn.Exec(`UPDATE transitions SET comment='edited' WHERE id=?`, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = conn.Exec(`DELETE FROM transitions WHERE id=?`, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestAfterCursor(t *testing.T) {
	conn, w, r := setup(t)
	ctx := context.Background()
	latest, err := r.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, latest)

	var seqs []int64
	for _, id := range []string{"t1", "t2", "t1"} {
		rec := appendRec(t, conn, w, domain.TransitionRecord{TaskID: id, ActorID: "dev", ActorRole: domain.RoleEmployee, Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance})
		seqs = append(seqs, rec.Seq)
	}

	page, err := r.After(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, seqs[0], page[0].Seq)

	rest, err := r.After(ctx, page[1].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, seqs[2], rest[0].Seq)

	latest, err = r.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, seqs[2], latest)
}

func TestRecordsCarryTaskOrg(t *testing.T) {
	conn, w, r := setup(t)
	ctx := context.Background()
	require.NoError(t, repo.Repo{DB: conn}.InsertTask(ctx, nil, domain.Task{
		ID: "g1", OrgID: "globex", Title: "g1", AssignedTo: "dev",
		Phase: domain.PhaseDesignGuidance, SubState: domain.SubStateInProgress,
		CreatedAt: "2024-01-01T00:00:00.000000000Z", UpdatedAt: "2024-01-01T00:00:00.000000000Z",
	}))
	for _, id := range []string{"t1", "g1"} {
		appendRec(t, conn, w, domain.TransitionRecord{TaskID: id, ActorID: "dev", ActorRole: domain.RoleEmployee, Action: domain.ActionRequestValidation, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance})
	}

	all, err := r.After(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].OrgID)
	assert.Equal(t, "globex", all[1].OrgID)

	scoped, err := r.AfterInOrg(ctx, "globex", 0, 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "g1", scoped[0].TaskID)

	recs, err := r.Collect(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "globex", recs[0].OrgID)
}
