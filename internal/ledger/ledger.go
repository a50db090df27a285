// Package ledger is the append-only record of decision transitions.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"phasegate/internal/domain"
)

// org_id is not stored per record; it is read from the owning task.
const recordColumns = `seq,id,task_id,COALESCE((SELECT org_id FROM tasks WHERE tasks.id=transitions.task_id),''),actor_id,actor_role,action,from_phase,to_phase,comment,evidence,created_at`

// Writer appends transition records. It has no update or delete path; the
// schema rejects both with triggers.
type Writer struct {
	Now func() time.Time
}

// Append inserts rec inside tx and returns it with id, seq and created_at
// filled in. It must run in the same transaction as the task mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) (domain.TransitionRecord, error) {
	if tx == nil {
		return rec, errors.New("ledger append requires a transaction")
	}
	if !rec.Action.Valid() {
		return rec, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, string(rec.Action))
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = domain.Timestamp(w.Now())
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO transitions(id,task_id,actor_id,actor_role,action,from_phase,to_phase,comment,evidence,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskID, rec.ActorID, rec.ActorRole, rec.Action, rec.FromPhase, rec.ToPhase,
		nullableStringPtr(rec.Comment), nullableStringPtr(rec.Evidence), rec.CreatedAt)
	if err != nil {
		return rec, fmt.Errorf("append transition: %w", err)
	}
	if rec.Seq, err = res.LastInsertId(); err != nil {
		return rec, err
	}
	return rec, nil
}

// Reader queries the ledger.
type Reader struct {
	DB *sql.DB
}

// Records yields a task's transitions oldest first. Each range re-runs the
// query, so the sequence can be iterated more than once and always reflects
// the committed ledger at the time iteration starts.
func (r Reader) Records(ctx context.Context, taskID string) iter.Seq2[domain.TransitionRecord, error] {
	return func(yield func(domain.TransitionRecord, error) bool) {
		rows, err := r.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM transitions WHERE task_id=? ORDER BY created_at ASC, seq ASC`, taskID)
		if err != nil {
			yield(domain.TransitionRecord{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.TransitionRecord{}, err)
		}
	}
}

// Collect drains Records into a slice.
func (r Reader) Collect(ctx context.Context, taskID string) ([]domain.TransitionRecord, error) {
	var out []domain.TransitionRecord
	for rec, err := range r.Records(ctx, taskID) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// History returns a task's transitions with actor display names resolved.
func (r Reader) History(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.action,t.actor_id,COALESCE(NULLIF(a.display_name,''),?),COALESCE(t.comment,''),t.from_phase,t.to_phase,t.created_at
FROM transitions t LEFT JOIN actors a ON a.id = t.actor_id
WHERE t.task_id=? ORDER BY t.created_at ASC, t.seq ASC`, domain.UnknownActorName, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HistoryEntry{}
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.Action, &h.ActorID, &h.ActorName, &h.Comment, &h.FromPhase, &h.ToPhase, &h.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// After returns up to limit records with seq greater than cursor, across
// all tasks, in seq order.
func (r Reader) After(ctx context.Context, cursor int64, limit int) ([]domain.TransitionRecord, error) {
	return r.AfterInOrg(ctx, "", cursor, limit)
}

// AfterInOrg is After limited to tasks of orgID. An empty orgID means every
// organization.
func (r Reader) AfterInOrg(ctx context.Context, orgID string, cursor int64, limit int) ([]domain.TransitionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM transitions WHERE seq>?`
	args := []any{cursor}
	if orgID != "" {
		query += ` AND task_id IN (SELECT id FROM tasks WHERE org_id=?)`
		args = append(args, orgID)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestSeq returns the highest seq in the ledger, or 0 when empty.
func (r Reader) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM transitions`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.TransitionRecord, error) {
	var rec domain.TransitionRecord
	var comment, evidence sql.NullString
	err := row.Scan(&rec.Seq, &rec.ID, &rec.TaskID, &rec.OrgID, &rec.ActorID, &rec.ActorRole, &rec.Action, &rec.FromPhase, &rec.ToPhase, &comment, &evidence, &rec.CreatedAt)
	if err != nil {
		return rec, err
	}
	if comment.Valid {
		rec.Comment = &comment.String
	}
	if evidence.Valid {
		rec.Evidence = &evidence.String
	}
	return rec, nil
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
