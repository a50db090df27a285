package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phasegate/internal/config"
	"phasegate/internal/domain"
)

type memSource struct {
	mu      sync.Mutex
	records []domain.TransitionRecord
}

func (m *memSource) add(action domain.Action) {
	m.addInOrg("acme", action)
}

func (m *memSource) addInOrg(org string, action domain.Action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(len(m.records) + 1)
	m.records = append(m.records, domain.TransitionRecord{
		Seq: seq, ID: "rec-" + strconv.FormatInt(seq, 10), TaskID: "t-" + org, OrgID: org, ActorID: "lead",
		Action: action, FromPhase: domain.PhaseDesignGuidance, ToPhase: domain.PhaseDesignGuidance,
	})
}

func (m *memSource) After(_ context.Context, cursor int64, limit int) ([]domain.TransitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TransitionRecord
	for _, r := range m.records {
		if r.Seq > cursor && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memSource) LatestSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

type receiver struct {
	mu     sync.Mutex
	events []Event
	secret string
}

func (r *receiver) handler(status *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if code := status.Load(); code != 0 && code != http.StatusOK {
			w.WriteHeader(int(code))
			return
		}
		var evt Event
		if err := json.NewDecoder(req.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.events = append(r.events, evt)
		r.secret = req.Header.Get("X-Phasegate-Secret")
		r.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (r *receiver) received() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newDispatcher(t *testing.T, src Source, hooks ...config.WebhookConfig) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.Notify.Webhooks = hooks
	d := New(src, cfg, nil)
	require.NotNil(t, d)
	return d
}

func TestDispatchStartsAtLedgerEnd(t *testing.T) {
	src := &memSource{}
	src.add(domain.ActionRequestValidation)

	var status atomic.Int32
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(&status))
	defer srv.Close()

	d := newDispatcher(t, src, config.WebhookConfig{URL: srv.URL, Secret: "s3cret"})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	assert.Empty(t, rcv.received(), "records before start are not replayed")

	src.add(domain.ActionApprove)
	d.DispatchOnce(ctx)
	got := rcv.received()
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, domain.ActionApprove, got[0].Action)
	assert.Equal(t, "acme", got[0].OrgID)
	assert.Equal(t, "s3cret", rcv.secret)

	d.DispatchOnce(ctx)
	assert.Len(t, rcv.received(), 1, "delivered records are not sent twice")
}

func TestDispatchFiltersActions(t *testing.T) {
	src := &memSource{}
	var status atomic.Int32
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(&status))
	defer srv.Close()

	d := newDispatcher(t, src, config.WebhookConfig{URL: srv.URL, Actions: []string{"reject"}})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	src.add(domain.ActionRequestValidation)
	src.add(domain.ActionReject)
	src.add(domain.ActionApprove)
	d.DispatchOnce(ctx)

	got := rcv.received()
	require.Len(t, got, 1)
	assert.Equal(t, domain.ActionReject, got[0].Action)
}

func TestFailedDeliveryIsRetriedNextRound(t *testing.T) {
	src := &memSource{}
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(&status))
	defer srv.Close()

	d := newDispatcher(t, src, config.WebhookConfig{URL: srv.URL})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	src.add(domain.ActionRequestValidation)
	d.DispatchOnce(ctx)
	assert.Empty(t, rcv.received())

	status.Store(http.StatusOK)
	d.DispatchOnce(ctx)
	assert.Len(t, rcv.received(), 1)
}

func TestNewSkipsDisabledHooks(t *testing.T) {
	off := false
	cfg := config.Default()
	cfg.Notify.Webhooks = []config.WebhookConfig{{URL: "http://example.invalid", Enabled: &off}}
	assert.Nil(t, New(&memSource{}, cfg, nil))
	assert.Nil(t, New(&memSource{}, config.Default(), nil))
}

func TestEventCarriesTaskOrg(t *testing.T) {
	src := &memSource{}
	var status atomic.Int32
	rcv := &receiver{}
	srv := httptest.NewServer(rcv.handler(&status))
	defer srv.Close()

	d := newDispatcher(t, src, config.WebhookConfig{URL: srv.URL})
	ctx := context.Background()
	d.DispatchOnce(ctx)
	src.addInOrg("acme", domain.ActionRequestValidation)
	src.addInOrg("globex", domain.ActionRequestValidation)
	d.DispatchOnce(ctx)

	got := rcv.received()
	require.Len(t, got, 2)
	assert.Equal(t, "acme", got[0].OrgID)
	assert.Equal(t, "globex", got[1].OrgID)
	assert.Equal(t, "t-globex", got[1].TaskID)
}
