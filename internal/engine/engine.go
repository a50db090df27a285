package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"phasegate/internal/config"
	"phasegate/internal/db"
	"phasegate/internal/domain"
	"phasegate/internal/gate"
	"phasegate/internal/ledger"
	"phasegate/internal/queue"
	"phasegate/internal/repo"
	"phasegate/internal/telemetry"
)

const maxTextLen = 4000

// StateError reports a decision attempted from the wrong (phase, sub_state).
type StateError struct {
	TaskID   string
	Action   domain.Action
	Phase    domain.Phase
	SubState domain.SubState
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s task %s in %s/%s", e.Action, e.TaskID, e.Phase, e.SubState)
}

func (e StateError) Unwrap() error { return domain.ErrInvalidState }

// ValidationError reports malformed input. Nothing is persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return domain.ErrValidation }

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Writer
	Reader ledger.Reader
	Gate   gate.Policy
	Queue  *queue.Service
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time

	tracer    trace.Tracer
	decisions metric.Int64Counter
}

// New wires an Engine over an already migrated database.
func New(conn *sql.DB, cfg *config.Config, logger *slog.Logger) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := repo.Repo{DB: conn}
	policy := gate.NewRolePolicy(cfg.Gate)
	meter := telemetry.Meter("phasegate/engine")
	q, err := queue.New(r, r, policy, cfg.Queue.Strategy, logger.With("component", "queue"), meter)
	if err != nil {
		return Engine{}, err
	}
	decisions, err := meter.Int64Counter("phasegate.decisions",
		metric.WithDescription("Decision service calls by action and outcome"))
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:        conn,
		Repo:      r,
		Ledger:    ledger.Writer{Now: time.Now},
		Reader:    ledger.Reader{DB: conn},
		Gate:      policy,
		Queue:     q,
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		tracer:    telemetry.Tracer("phasegate/engine"),
		decisions: decisions,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	OrgID       string
	Title       string
	Description string
	AssignedTo  string
	// Phase lets intake import a task that is already mid-lifecycle. Empty
	// means requirement_refiner.
	Phase domain.Phase
}

// CreateTask registers a task at the start of its lifecycle (or at
// opts.Phase) with sub-state in_progress.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, ValidationError{Field: "title", Message: "is required"}
	}
	if strings.TrimSpace(opts.AssignedTo) == "" {
		return domain.Task{}, ValidationError{Field: "assigned_to", Message: "is required"}
	}
	if len(opts.Description) > maxTextLen {
		return domain.Task{}, ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", maxTextLen)}
	}
	if opts.Phase == "" {
		opts.Phase = domain.PhaseRequirementRefiner
	}
	if !opts.Phase.Valid() {
		return domain.Task{}, ValidationError{Field: "phase", Message: fmt.Sprintf("unknown phase %q", opts.Phase)}
	}
	if opts.Phase.Terminal() {
		return domain.Task{}, ValidationError{Field: "phase", Message: "cannot create a closed task"}
	}
	if opts.OrgID == "" && e.Config != nil {
		opts.OrgID = e.Config.Org.ID
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := domain.Timestamp(e.now())
	t := domain.Task{
		ID:          opts.ID,
		OrgID:       opts.OrgID,
		Title:       opts.Title,
		Description: opts.Description,
		AssignedTo:  opts.AssignedTo,
		Phase:       opts.Phase,
		SubState:    domain.SubStateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, nil, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	e.Logger.InfoContext(ctx, "task created", "task_id", t.ID, "org_id", t.OrgID, "assigned_to", t.AssignedTo, "phase", t.Phase)
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// TaskFor reads a task on behalf of callerID.
func (e Engine) TaskFor(ctx context.Context, callerID, id string) (domain.Task, error) {
	caller, err := e.actor(ctx, callerID, gate.PermReadTask)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Gate.CanRead(caller, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// RequestValidation moves the assignee's task to pending_validation and
// stores the optional evidence reference.
func (e Engine) RequestValidation(ctx context.Context, taskID, actorID, evidence string) (domain.Task, error) {
	evidence = strings.TrimSpace(evidence)
	if len(evidence) > maxTextLen {
		return domain.Task{}, ValidationError{Field: "evidence", Message: fmt.Sprintf("must be at most %d characters", maxTextLen)}
	}
	return e.decide(ctx, decision{taskID: taskID, actorID: actorID, action: domain.ActionRequestValidation, evidence: evidence})
}

// Approve advances a pending task to the next phase.
func (e Engine) Approve(ctx context.Context, taskID, approverID, comment string) (domain.TaskState, error) {
	comment = strings.TrimSpace(comment)
	if len(comment) > maxTextLen {
		return domain.TaskState{}, ValidationError{Field: "comment", Message: fmt.Sprintf("must be at most %d characters", maxTextLen)}
	}
	t, err := e.decide(ctx, decision{taskID: taskID, actorID: approverID, action: domain.ActionApprove, comment: comment})
	if err != nil {
		return domain.TaskState{}, err
	}
	return t.State(), nil
}

// Reject sends a pending task back to in_progress in the same phase. The
// reason is mandatory.
func (e Engine) Reject(ctx context.Context, taskID, approverID, reason string) (domain.TaskState, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.TaskState{}, ValidationError{Field: "reason", Message: "is required when rejecting"}
	}
	if len(reason) > maxTextLen {
		return domain.TaskState{}, ValidationError{Field: "reason", Message: fmt.Sprintf("must be at most %d characters", maxTextLen)}
	}
	t, err := e.decide(ctx, decision{taskID: taskID, actorID: approverID, action: domain.ActionReject, comment: reason})
	if err != nil {
		return domain.TaskState{}, err
	}
	return t.State(), nil
}

// History returns the task's ledger oldest first with actor names resolved.
func (e Engine) History(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Reader.History(ctx, taskID)
}

// HistoryFor is History on behalf of callerID.
func (e Engine) HistoryFor(ctx context.Context, callerID, taskID string) ([]domain.HistoryEntry, error) {
	if _, err := e.TaskFor(ctx, callerID, taskID); err != nil {
		return nil, err
	}
	return e.Reader.History(ctx, taskID)
}

// ValidationQueue returns the pending tasks approverID may decide on.
func (e Engine) ValidationQueue(ctx context.Context, approverID string) ([]domain.QueueItem, error) {
	if e.Queue == nil {
		return nil, errors.New("queue not configured")
	}
	return e.Queue.ForApprover(ctx, approverID)
}

// ListTasks lists tasks visible to callerID. Approvers with a global scope
// see every organization; everyone else sees their own.
func (e Engine) ListTasks(ctx context.Context, callerID string, f repo.TaskFilters) ([]domain.Task, error) {
	caller, err := e.actor(ctx, callerID, gate.PermViewQueue)
	if err != nil {
		return nil, err
	}
	f.OrgID = caller.OrgID
	if e.Gate.CanViewQueue(caller) == nil {
		f.OrgID = e.Gate.QueueOrg(caller)
	}
	return e.Repo.ListTasks(ctx, f)
}

// Transitions pages through the ledger after cursor for an approver, limited
// to the organizations their queue covers.
func (e Engine) Transitions(ctx context.Context, callerID string, cursor int64, limit int) ([]domain.TransitionRecord, error) {
	caller, err := e.actor(ctx, callerID, gate.PermViewQueue)
	if err != nil {
		return nil, err
	}
	if err := e.Gate.CanViewQueue(caller); err != nil {
		return nil, err
	}
	return e.Reader.AfterInOrg(ctx, e.Gate.QueueOrg(caller), cursor, limit)
}

// actor resolves callerID against the directory. Unknown ids are reported
// as unauthorized for perm.
func (e Engine) actor(ctx context.Context, id, perm string) (domain.Actor, error) {
	a, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Actor{}, gate.ForbiddenError{Permission: perm, ActorID: id, Reason: "unknown actor"}
		}
		return domain.Actor{}, err
	}
	return a, nil
}

// WhoAmI returns the directory entry of callerID.
func (e Engine) WhoAmI(ctx context.Context, callerID string) (domain.Actor, error) {
	return e.actor(ctx, callerID, gate.PermReadDirectory)
}

// PutActor maintains the directory on behalf of callerID, who must be an
// executive.
func (e Engine) PutActor(ctx context.Context, callerID string, a domain.Actor) (domain.Actor, error) {
	caller, err := e.actor(ctx, callerID, gate.PermManageDirectory)
	if err != nil {
		return domain.Actor{}, err
	}
	if err := gate.RequireRole(caller, domain.RoleExecutive, gate.PermManageDirectory); err != nil {
		return domain.Actor{}, err
	}
	return e.SaveActor(ctx, a)
}

// SaveActor validates and stores a directory entry without an authority
// check. Used for bootstrap from the CLI.
func (e Engine) SaveActor(ctx context.Context, a domain.Actor) (domain.Actor, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return domain.Actor{}, ValidationError{Field: "id", Message: "is required"}
	}
	if !a.Role.Valid() {
		return domain.Actor{}, ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", a.Role)}
	}
	if a.OrgID == "" && e.Config != nil {
		a.OrgID = e.Config.Org.ID
	}
	if a.CreatedAt == "" {
		a.CreatedAt = domain.Timestamp(e.now())
	}
	if err := e.Repo.PutActor(ctx, a); err != nil {
		return domain.Actor{}, err
	}
	return e.Repo.GetActor(ctx, a.ID)
}

// IssueAPIKey creates a key that authenticates as actorID. The secret is
// returned once; only its digest is stored.
func (e Engine) IssueAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetActor(ctx, actorID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "pgk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.Timestamp(e.now()),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	e.Logger.InfoContext(ctx, "api key issued", "key_id", key.ID, "actor_id", actorID)
	return key, secret, nil
}

// ResolveAPIKey returns the directory entry a presented key acts as.
func (e Engine) ResolveAPIKey(ctx context.Context, secret string) (domain.Actor, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return domain.Actor{}, err
	}
	return e.Repo.GetActor(ctx, key.ActorID)
}

type decision struct {
	taskID   string
	actorID  string
	action   domain.Action
	comment  string
	evidence string
}

// decide runs one transition with bounded retry on SQLite lock contention.
// Every attempt re-reads the task, so a retry after a lost race reports the
// state the winner left behind.
func (e Engine) decide(ctx context.Context, d decision) (domain.Task, error) {
	ctx, span := e.startSpan(ctx, "engine."+string(d.action),
		attribute.String("task.id", d.taskID),
		attribute.String("actor.id", d.actorID))
	defer span.End()

	var out domain.Task
	op := func() error {
		t, err := e.decideOnce(ctx, d)
		if err != nil {
			if db.IsBusy(err) {
				e.Logger.DebugContext(ctx, "database busy, retrying", "task_id", d.taskID, "action", d.action)
				return err
			}
			return backoff.Permanent(err)
		}
		out = t
		return nil
	}
	err := backoff.Retry(op, e.retryPolicy(ctx))
	e.record(ctx, d.action, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Task{}, err
	}
	if e.Queue != nil {
		e.Queue.Invalidate()
	}
	e.Logger.InfoContext(ctx, "task transition",
		"task_id", d.taskID, "actor_id", d.actorID, "action", d.action,
		"phase", out.Phase, "sub_state", out.SubState)
	return out, nil
}

func (e Engine) decideOnce(ctx context.Context, d decision) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, d.taskID)
	if err != nil {
		return domain.Task{}, err
	}
	actor, err := e.Repo.GetActorTx(ctx, tx, d.actorID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Task{}, gate.ForbiddenError{Permission: permissionFor(d.action), ActorID: d.actorID, Reason: "unknown actor"}
		}
		return domain.Task{}, err
	}
	if d.action == domain.ActionRequestValidation {
		err = e.Gate.CanRequest(actor, task)
	} else {
		err = e.Gate.CanDecide(actor, task)
	}
	if err != nil {
		return domain.Task{}, err
	}

	tr, err := domain.Apply(task.State(), d.action)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			return domain.Task{}, StateError{TaskID: task.ID, Action: d.action, Phase: task.Phase, SubState: task.SubState}
		}
		return domain.Task{}, err
	}

	now := domain.Timestamp(e.now())
	update := repo.StateUpdate{TaskID: task.ID, From: tr.From, To: tr.To, UpdatedAt: now}
	rec := domain.TransitionRecord{
		TaskID:    task.ID,
		OrgID:     task.OrgID,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    d.action,
		FromPhase: tr.From.Phase,
		ToPhase:   tr.To.Phase,
		Comment:   optionalString(d.comment),
		CreatedAt: now,
	}
	switch d.action {
	case domain.ActionRequestValidation:
		update.SetEvidence = true
		update.Evidence = optionalString(d.evidence)
		rec.Evidence = update.Evidence
	case domain.ActionApprove:
		// The next phase starts without evidence.
		update.SetEvidence = true
	}
	if err := e.Repo.CompareAndSetState(ctx, tx, update); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Ledger.Append(ctx, tx, rec); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	task.Phase = tr.To.Phase
	task.SubState = tr.To.SubState
	task.UpdatedAt = now
	if update.SetEvidence {
		task.SubmittedEvidence = update.Evidence
	}
	return task, nil
}

func (e Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	retries := 5
	if e.Config != nil {
		retries = e.Config.Store.MaxRetries
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 10 * time.Millisecond
	exp.MaxInterval = 500 * time.Millisecond
	exp.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := e.tracer
	if tracer == nil {
		tracer = telemetry.Tracer("phasegate/engine")
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (e Engine) record(ctx context.Context, action domain.Action, err error) {
	if e.decisions == nil {
		return
	}
	e.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("outcome", Outcome(err)),
	))
}

// Outcome names the error category of err for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, domain.ErrValidation):
		return "validation_error"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return "concurrency_conflict"
	}
	return "error"
}

func permissionFor(a domain.Action) string {
	if a == domain.ActionRequestValidation {
		return gate.PermRequest
	}
	return gate.PermDecide
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
