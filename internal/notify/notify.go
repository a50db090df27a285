// Package notify posts a change hint to configured webhooks for every new
// ledger record. Receivers are expected to re-fetch state; the payload is
// not meant to be applied as a delta.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"phasegate/internal/config"
	"phasegate/internal/domain"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
	maxAttempts     = 3
)

// Source is the ledger surface the dispatcher polls.
type Source interface {
	After(ctx context.Context, cursor int64, limit int) ([]domain.TransitionRecord, error)
	LatestSeq(ctx context.Context) (int64, error)
}

type Dispatcher struct {
	Source   Source
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Client   *http.Client
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

// New builds a dispatcher from the notify section of cfg. It returns nil
// when no webhook is enabled.
func New(src Source, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if cfg == nil {
		return nil
	}
	var hooks []config.WebhookConfig
	for _, h := range cfg.Notify.Webhooks {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		hooks = append(hooks, h)
	}
	if len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := defaultInterval
	if cfg.Notify.IntervalSeconds > 0 {
		interval = time.Duration(cfg.Notify.IntervalSeconds) * time.Second
	}
	return &Dispatcher{
		Source:   src,
		Hooks:    hooks,
		Interval: interval,
		Client:   &http.Client{Timeout: defaultTimeout},
		Logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.Logger.InfoContext(ctx, "webhook dispatcher started", "hooks", len(d.Hooks), "interval", interval)
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending records to every hook. A hook whose cursor
// is unset starts at the current end of the ledger.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.Hooks {
		if ctx.Err() != nil {
			return
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.Logger.WarnContext(ctx, "webhook cursor init failed", "url", hook.URL, "error", err)
		return
	}
	records, err := d.Source.After(ctx, cursor, defaultBatch)
	if err != nil {
		d.Logger.WarnContext(ctx, "webhook fetch records failed", "error", err)
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, rec := range records {
		if !filter.match(rec.Action) {
			d.setCursor(idx, rec.Seq)
			continue
		}
		if err := d.deliver(ctx, hook, rec); err != nil {
			d.Logger.WarnContext(ctx, "webhook delivery failed", "url", hook.URL, "seq", rec.Seq, "error", err)
			return
		}
		d.setCursor(idx, rec.Seq)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Source.LatestSeq(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, seq int64) {
	d.mu.Lock()
	d.cursors[idx] = seq
	d.mu.Unlock()
}

// Event is the JSON body posted to webhooks.
type Event struct {
	Seq       int64         `json:"seq"`
	ID        string        `json:"id"`
	OrgID     string        `json:"org_id,omitempty"`
	TaskID    string        `json:"task_id"`
	Action    domain.Action `json:"action"`
	ActorID   string        `json:"actor_id"`
	FromPhase domain.Phase  `json:"from_phase"`
	ToPhase   domain.Phase  `json:"to_phase"`
	CreatedAt string        `json:"created_at"`
}

func (d *Dispatcher) deliver(ctx context.Context, hook config.WebhookConfig, rec domain.TransitionRecord) error {
	data, err := json.Marshal(Event{
		Seq:       rec.Seq,
		ID:        rec.ID,
		OrgID:     rec.OrgID,
		TaskID:    rec.TaskID,
		Action:    rec.Action,
		ActorID:   rec.ActorID,
		FromPhase: rec.FromPhase,
		ToPhase:   rec.ToPhase,
		CreatedAt: rec.CreatedAt,
	})
	if err != nil {
		return err
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout, Transport: client.Transport}
		}
	}
	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Phasegate-Event", string(rec.Action))
		req.Header.Set("X-Phasegate-Delivery", rec.ID)
		if strings.TrimSpace(hook.Secret) != "" {
			req.Header.Set("X-Phasegate-Secret", hook.Secret)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
			err := fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
			if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 100 * time.Millisecond
	exp.MaxInterval = 2 * time.Second
	err = backoff.Retry(post, backoff.WithContext(backoff.WithMaxRetries(exp, maxAttempts-1), ctx))
	if err != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

type actionFilter struct {
	all bool
	set map[domain.Action]struct{}
}

func newActionFilter(actions []string) actionFilter {
	set := make(map[domain.Action]struct{}, len(actions))
	for _, a := range actions {
		key := strings.TrimSpace(a)
		if key == "" {
			continue
		}
		set[domain.Action(key)] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(a domain.Action) bool {
	if f.all {
		return true
	}
	_, ok := f.set[a]
	return ok
}
