package phasegatesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/config"
	"phasegate/internal/db"
	"phasegate/internal/domain"
	"phasegate/internal/engine"
	"phasegate/internal/migrate"
	"phasegate/internal/server"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	e, err := engine.New(conn, config.Default(), nil)
	require.NoError(t, err)
	for _, a := range []domain.Actor{
		{ID: "dev", DisplayName: "Dana Dev", Role: domain.RoleEmployee},
		{ID: "lead", DisplayName: "Lee Lead", Role: domain.RoleTeamLead},
	} {
		_, err := e.SaveActor(ctx, a)
		require.NoError(t, err)
	}
	h, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "s3cret", AllowLegacyActorHeader: true}})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientDecisionRoundTrip(t *testing.T) {
	srv := newAPI(t)
	ctx := context.Background()

	token, err := server.SignToken("s3cret", "lead", nil, 0)
	require.NoError(t, err)
	lead := New(srv.URL, token)
	dev := New(srv.URL, "")
	dev.ActorID = "dev"

	task, err := lead.CreateTask(ctx, CreateTaskInput{Title: "Checkout", AssignedTo: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "requirement_refiner", task.Phase)

	pending, err := dev.RequestValidation(ctx, task.ID, "https://example.com/req.md")
	require.NoError(t, err)
	assert.Equal(t, "pending_validation", pending.SubState)

	items, err := lead.Queue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Dana Dev", items[0].AssignedToName)
	assert.Equal(t, "design_guidance", items[0].NextRequestedPhase)

	st, err := lead.Approve(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, TaskState{Phase: "design_guidance", SubState: "in_progress"}, st)

	_, err = lead.Approve(ctx, task.ID, "")
	require.Error(t, err)
	assert.True(t, IsCode(err, "invalid_state"), "got %v", err)

	_, err = lead.Reject(ctx, task.ID, "too early")
	assert.True(t, IsCode(err, "invalid_state"), "got %v", err)

	hist, err := dev.History(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Lee Lead", hist[1].ActorName)

	got, err := dev.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SubmittedEvidence)
}

func TestClientForbidden(t *testing.T) {
	srv := newAPI(t)
	dev := New(srv.URL, "")
	dev.ActorID = "dev"
	_, err := dev.Queue(context.Background())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusForbidden, ae.StatusCode)
	assert.Equal(t, "forbidden", ae.Code)
}

func TestClientRetriesReadsOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "t")
	items, err := c.Queue(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientDoesNotRetryDecisions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "t")
	_, err := c.Approve(context.Background(), "t1", "")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
