package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"phasegate/internal/domain"
)

const taskColumns = `id,org_id,title,description,assigned_to,phase,sub_state,submitted_evidence,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var evidence sql.NullString
	err := row.Scan(&t.ID, &t.OrgID, &t.Title, &t.Description, &t.AssignedTo, &t.Phase, &t.SubState, &evidence, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.SubmittedEvidence = stringPtr(evidence)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, t.Description, t.AssignedTo, t.Phase, t.SubState,
		nullableStringPtr(t.SubmittedEvidence), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

// GetTaskTx reads a task inside tx, or from the pool when tx is nil.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// StateUpdate is a compare-and-set on a task's (phase, sub_state).
type StateUpdate struct {
	TaskID string
	From   domain.TaskState
	To     domain.TaskState
	// When SetEvidence is false the stored evidence is left untouched.
	SetEvidence bool
	Evidence    *string
	UpdatedAt   string
}

// CompareAndSetState applies u only if the row still holds u.From. A row
// that moved underneath the caller yields domain.ErrConcurrencyConflict.
func (r Repo) CompareAndSetState(ctx context.Context, tx *sql.Tx, u StateUpdate) error {
	sets := []string{"phase=?", "sub_state=?", "updated_at=?"}
	args := []any{u.To.Phase, u.To.SubState, u.UpdatedAt}
	if u.SetEvidence {
		sets = append(sets, "submitted_evidence=?")
		args = append(args, nullableStringPtr(u.Evidence))
	}
	args = append(args, u.TaskID, u.From.Phase, u.From.SubState)
	res, err := r.q(tx).ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id=? AND phase=? AND sub_state=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s no longer %s/%s: %w", u.TaskID, u.From.Phase, u.From.SubState, domain.ErrConcurrencyConflict)
	}
	return nil
}

type TaskFilters struct {
	OrgID      string
	AssignedTo string
	Phase      domain.Phase
	SubState   domain.SubState
	Limit      int
	// Cursor is the (updated_at, id) of the last row of the previous page.
	CursorUpdatedAt string
	CursorID        string
}

// ListTasks returns tasks ordered by updated_at ASC, id ASC.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.SubState != "" {
		clauses = append(clauses, "sub_state=?")
		args = append(args, f.SubState)
	}
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(updated_at > ? OR (updated_at = ? AND id > ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY updated_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPendingTasks lists tasks awaiting a decision. An empty orgID means all
// organizations.
func (r Repo) ListPendingTasks(ctx context.Context, orgID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{OrgID: orgID, SubState: domain.SubStatePendingValidation})
}

// PendingRow is one row of the validation_queue view.
type PendingRow struct {
	Task           domain.Task
	AssignedToName string
}

// ListValidationQueue reads pending tasks with assignee names resolved by the
// database in a single query.
func (r Repo) ListValidationQueue(ctx context.Context, orgID string) ([]PendingRow, error) {
	query := `SELECT task_id,org_id,title,phase,assigned_to,assigned_to_name,sub_state,submitted_evidence,updated_at FROM validation_queue`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY updated_at ASC, task_id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("validation_queue: %w", err)
	}
	defer rows.Close()
	var res []PendingRow
	for rows.Next() {
		var row PendingRow
		var evidence sql.NullString
		t := &row.Task
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Title, &t.Phase, &t.AssignedTo, &row.AssignedToName, &t.SubState, &evidence, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.SubmittedEvidence = stringPtr(evidence)
		res = append(res, row)
	}
	return res, rows.Err()
}
