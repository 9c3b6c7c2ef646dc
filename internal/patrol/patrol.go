// Package patrol runs the periodic reconciler.
//
// Each tick re-derives health for every worker from live evidence, wakes
// idle specialists with queued work, expires stale queue items, and times
// out stuck journal entries. Patrol is reconciliation, not decision:
// every action it takes would be equally valid invoked directly, and it
// never kills a live agent.
package patrol

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xcawolfe-amzn/panopticon/internal/health"
	"github.com/xcawolfe-amzn/panopticon/internal/journal"
	"github.com/xcawolfe-amzn/panopticon/internal/metrics"
	"github.com/xcawolfe-amzn/panopticon/internal/specialist"
	"github.com/xcawolfe-amzn/panopticon/internal/state"
)

// sessionOps is the slice of the session driver the patrol needs.
type sessionOps interface {
	Exists(name string) (bool, error)
	Capture(name string, lines int) (string, error)
}

// captureLines bounds the pane capture used for the change digest.
const captureLines = 50

// Patrol reconciles stored state with observed session reality.
type Patrol struct {
	store       *state.Store
	tmux        sessionOps
	specialists *specialist.Registry
	journal     *journal.Journal
	met         *metrics.Metrics
	log         *zap.Logger

	interval   time.Duration
	thresholds health.Thresholds
	opTimeout  time.Duration
}

// New wires a patrol loop.
func New(store *state.Store, t sessionOps, reg *specialist.Registry, j *journal.Journal,
	met *metrics.Metrics, log *zap.Logger,
	interval time.Duration, th health.Thresholds, opTimeout time.Duration) *Patrol {
	return &Patrol{
		store:       store,
		tmux:        t,
		specialists: reg,
		journal:     j,
		met:         met,
		log:         log,
		interval:    interval,
		thresholds:  th,
		opTimeout:   opTimeout,
	}
}

// Run ticks until the context is cancelled. Ticks never overlap: the
// next one is scheduled only after the previous completes.
func (p *Patrol) Run(ctx context.Context) {
	p.log.Info("patrol started", zap.Duration("interval", p.interval))
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("patrol stopped")
			return
		case <-timer.C:
			p.Tick()
			timer.Reset(p.interval)
		}
	}
}

// Tick runs one reconciliation pass.
func (p *Patrol) Tick() {
	started := time.Now()

	p.classifyWorkers()
	p.wakeIdleSpecialists()
	p.expireQueues()
	p.expireJournal()

	if p.met != nil {
		p.met.PatrolTickSeconds.Observe(time.Since(started).Seconds())
	}
}

// classifyWorkers gathers evidence per agent and persists the result.
func (p *Patrol) classifyWorkers() {
	ids, err := p.store.List()
	if err != nil {
		p.log.Warn("patrol: listing agents", zap.Error(err))
		return
	}

	counts := map[health.Status]int{}
	for _, id := range ids {
		st, err := p.ClassifyOne(id)
		if err != nil {
			p.log.Warn("patrol: classifying", zap.String("agent", id), zap.Error(err))
			continue
		}
		counts[st]++
	}

	if p.met != nil {
		for _, s := range []health.Status{health.StatusHealthy, health.StatusStale, health.StatusWarning,
			health.StatusStuck, health.StatusSuspended, health.StatusDead, health.StatusHidden} {
			p.met.HealthByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}
}

// ClassifyOne re-derives one agent's health from live evidence and
// persists the classification. The pane digest from the prior record
// anchors pane-quiet timing across ticks.
func (p *Patrol) ClassifyOne(agentID string) (health.Status, error) {
	now := time.Now()

	live, err := p.tmux.Exists(agentID)
	if err != nil {
		return "", err
	}

	ev := health.Evidence{SessionLive: live, Now: now}

	ast, err := p.store.Load(agentID)
	if err == nil {
		ev.HasRecentState = true
		ev.LastHeartbeat = ast.LastPing
	}
	if ri, err := p.store.LoadRuntime(agentID); err == nil {
		ev.RuntimeState = ri.State
		if ri.LastActivity.After(ev.LastHeartbeat) {
			ev.LastHeartbeat = ri.LastActivity
		}
	}

	prior, _ := p.store.LoadHealth(agentID)

	var paneHash string
	paneChangedAt := time.Time{}
	if prior != nil {
		paneHash = prior.PaneHash
		paneChangedAt = prior.PaneChangedAt
	}
	if live {
		capture, err := p.tmux.Capture(agentID, captureLines)
		if err == nil {
			h := health.PaneHash(capture)
			if h != paneHash {
				paneHash = h
				paneChangedAt = now
			}
		}
	}
	ev.PaneChangedAt = paneChangedAt

	status := health.Classify(ev, p.thresholds)
	rec := &state.HealthRecord{
		Status:        string(status),
		PaneHash:      paneHash,
		PaneChangedAt: paneChangedAt,
		CheckedAt:     now,
	}
	if err := p.store.SaveHealth(agentID, rec); err != nil {
		return status, err
	}
	return status, nil
}

// wakeIdleSpecialists pops queued work for any idle specialist.
func (p *Patrol) wakeIdleSpecialists() {
	for _, name := range specialist.Names {
		q := p.specialists.QueueFor(name)
		n, err := q.Len()
		if err != nil {
			p.log.Warn("patrol: queue read", zap.String("specialist", name), zap.Error(err))
			continue
		}
		if p.met != nil {
			p.met.QueueDepth.WithLabelValues(name).Set(float64(n))
		}
		if n == 0 {
			continue
		}

		idle, err := p.specialists.Idle(name)
		if err != nil {
			p.log.Warn("patrol: idle check", zap.String("specialist", name), zap.Error(err))
			continue
		}
		if !idle {
			continue
		}
		if err := p.specialists.WakeNext(name); err != nil {
			p.log.Warn("patrol: wake", zap.String("specialist", name), zap.Error(err))
		}
	}
}

// expireQueues drops work items past their expiresAt.
func (p *Patrol) expireQueues() {
	now := time.Now()
	for _, name := range specialist.Names {
		removed, err := p.specialists.QueueFor(name).ExpireStale(now)
		if err != nil {
			p.log.Warn("patrol: queue expiry", zap.String("specialist", name), zap.Error(err))
			continue
		}
		if removed > 0 {
			p.log.Info("patrol: expired queue items",
				zap.String("specialist", name), zap.Int("removed", removed))
		}
	}
}

// expireJournal times out operations stuck in running.
func (p *Patrol) expireJournal() {
	n, err := p.journal.ExpireStale(p.opTimeout)
	if err != nil {
		p.log.Warn("patrol: journal expiry", zap.Error(err))
		return
	}
	if n > 0 {
		p.log.Info("patrol: timed out operations", zap.Int("count", n))
	}
}
