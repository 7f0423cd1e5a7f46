// Package schedule fires active automations on their cron triggers.
//
// A ghost trigger is a JSON document {"type": ..., "condition": ...}; for
// type "schedule" the condition is a standard five-field cron expression.
// The runner keeps one cron entry per scheduled ghost and re-syncs its
// registrations against the store on a refresh ticker, so approvals, pauses
// and archival take effect within one interval without a restart. The same
// ticker sweeps overdue approval requests to expired.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/veyra/ghostwork/observability"
	"github.com/veyra/ghostwork/store"
)

// TriggerSchedule is the trigger type the runner acts on. Manual and event
// triggers are somebody else's problem.
const TriggerSchedule = "schedule"

// Submit receives a due automation. ghostd wires this to the execution
// engine, which records "schedule" as the run's trigger source.
type Submit func(ctx context.Context, orgID, ghostID string) error

// Config configures the runner.
type Config struct {
	// RefreshInterval is how often registrations are re-synced against the
	// store and overdue approvals are expired. Default: 1 minute.
	RefreshInterval time.Duration
	// FireTimeout bounds a single submission. Default: 5 minutes.
	FireTimeout time.Duration
}

func (c *Config) defaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 5 * time.Minute
	}
}

// Runner owns the cron table for schedule-triggered ghosts.
type Runner struct {
	store  *store.Store
	submit Submit
	config Config
	log    *slog.Logger

	metrics *observability.MetricsManager
	events  *observability.EventLogger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID // ghost id -> cron entry
	specs   map[string]string       // ghost id -> registered expression
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithMetrics records a schedule_tick_count datapoint per fired run.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(r *Runner) { r.metrics = mm }
}

// WithEvents logs a business event per fired run.
func WithEvents(el *observability.EventLogger) Option {
	return func(r *Runner) { r.events = el }
}

// New creates a Runner. It does nothing until Run is called.
func New(st *store.Store, submit Submit, cfg Config, opts ...Option) *Runner {
	cfg.defaults()
	r := &Runner{
		store:   st,
		submit:  submit,
		config:  cfg,
		log:     slog.Default(),
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run starts the cron table and keeps it in sync. Blocks until ctx is
// cancelled; in-flight cron jobs finish before it returns.
func (r *Runner) Run(ctx context.Context) {
	r.cron.Start()

	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()

	// Sync once immediately on start.
	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			<-r.cron.Stop().Done()
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if n, err := r.store.ExpireOverdueApprovals(ctx); err != nil {
		r.log.Warn("schedule: expire approvals", "error", err)
	} else if n > 0 {
		r.log.Info("schedule: expired overdue approval requests", "count", n)
	}
	if err := r.Refresh(ctx); err != nil {
		r.log.Error("schedule: refresh", "error", err)
	}
}

// Refresh re-syncs cron registrations with the store: ghosts that gained a
// schedule trigger are registered, deactivated or rescheduled ones are
// removed (a changed expression re-registers under the new one). Safe to
// call directly; Run calls it on every tick.
func (r *Runner) Refresh(ctx context.Context) error {
	ghosts, err := r.store.ListActiveGhosts(ctx)
	if err != nil {
		return fmt.Errorf("schedule: list active ghosts: %w", err)
	}

	type reg struct {
		orgID string
		name  string
		spec  string
	}
	want := make(map[string]reg)
	for _, g := range ghosts {
		spec, ok := cronExpr(g.Trigger)
		if !ok {
			continue
		}
		want[g.ID] = reg{orgID: g.OrgID, name: g.Name, spec: spec}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, entry := range r.entries {
		w, ok := want[id]
		if ok && w.spec == r.specs[id] {
			continue
		}
		r.cron.Remove(entry)
		delete(r.entries, id)
		delete(r.specs, id)
	}

	for id, w := range want {
		if _, ok := r.entries[id]; ok {
			continue
		}
		sched, err := cron.ParseStandard(w.spec)
		if err != nil {
			r.log.Warn("schedule: invalid cron expression",
				"ghost_id", id, "expr", w.spec, "error", err)
			continue
		}
		ghostID, orgID, name := id, w.orgID, w.name
		entry := r.cron.Schedule(sched, cron.FuncJob(func() {
			r.fire(orgID, ghostID, name)
		}))
		r.entries[id] = entry
		r.specs[id] = w.spec
	}
	return nil
}

// Scheduled reports the ghost ids currently registered, sorted.
func (r *Runner) Scheduled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// fire submits one due run. Failures are logged and dropped: the cron entry
// stays registered and tries again at the next occurrence.
func (r *Runner) fire(orgID, ghostID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.FireTimeout)
	defer cancel()

	start := time.Now()
	err := r.submit(ctx, orgID, ghostID)

	if r.metrics != nil {
		r.metrics.Record(&observability.Metric{
			Name:      observability.MetricScheduleTickCount,
			Timestamp: start,
			Value:     1,
			Labels:    map[string]string{"org_id": orgID},
			Unit:      "count",
		})
	}
	if r.events != nil {
		r.events.LogEvent(context.Background(), observability.BusinessEvent{
			EventType:   "schedule_tick",
			ServiceName: "ghostd",
			EntityType:  "ghost",
			EntityID:    ghostID,
			OrgID:       orgID,
			Action:      "submit_execution",
			Success:     err == nil,
		})
	}
	if err != nil {
		r.log.Warn("schedule: submit run", "ghost_id", ghostID, "ghost", name, "error", err)
		return
	}
	r.log.Debug("schedule: run submitted",
		"ghost_id", ghostID, "ghost", name, "duration_ms", time.Since(start).Milliseconds())
}

type triggerDoc struct {
	Type      string `json:"type"`
	Condition string `json:"condition"`
}

// cronExpr extracts the cron expression from a ghost trigger document.
// Non-schedule triggers and unreadable documents report false.
func cronExpr(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var t triggerDoc
	if err := json.Unmarshal(raw, &t); err != nil {
		return "", false
	}
	expr := strings.TrimSpace(t.Condition)
	if t.Type != TriggerSchedule || expr == "" {
		return "", false
	}
	return expr, true
}
