package shellsession

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/loom/internal/obslog"
)

// DefaultIdleExpiry is how long a session may sit unused before the sweep
// reaps it, mirroring the donor's DefaultJobTTL for finished processes.
const DefaultIdleExpiry = 30 * time.Minute

// Config configures spawned sessions and the pool's idle sweep.
type Config struct {
	ShellPath   string
	IdleExpiry  time.Duration
	// SweepSchedule, if set, is a cron expression driving the idle sweep
	// instead of a fixed-interval ticker (an optional operational knob,
	// set by `loom serve` from the shell.sweep_schedule config key).
	// Empty, or an expression that fails to parse, means the ticker,
	// which fires every IdleExpiry/6 (at least every 10s).
	SweepSchedule string
}

// entry tracks a pooled session plus single-flight creation state.
type entry struct {
	session *Session
	creating chan struct{} // closed once creation finishes
	createErr error
}

// Pool maps conversation ID to its persistent shell Session, creating
// lazily, single-flighting concurrent first-use, and reaping dead or
// idle-expired sessions. Grounded on the donor's ProcessRegistry, whose
// sweepLoop prunes finished sessions past TTL; here the same shape reaps
// live-but-idle or dead sessions instead.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]*entry

	config Config
	logger *obslog.Logger
	metrics *obslog.Metrics

	cronRunner *cron.Cron
	stopTicker chan struct{}
	tickerDone chan struct{}
}

// NewPool builds a Pool and starts its idle/dead sweep.
func NewPool(config Config, logger *obslog.Logger, metrics *obslog.Metrics) *Pool {
	if config.IdleExpiry <= 0 {
		config.IdleExpiry = DefaultIdleExpiry
	}
	if config.ShellPath == "" {
		config.ShellPath = "/bin/bash"
	}

	p := &Pool{
		sessions: make(map[string]*entry),
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
	p.startSweep()
	return p
}

// Get returns conversationID's session, spawning one if none exists yet.
// Concurrent callers for the same conversation single-flight onto the
// same creation.
func (p *Pool) Get(ctx context.Context, conversationID string, cwd string, env map[string]string) (*Session, error) {
	p.mu.Lock()
	e, exists := p.sessions[conversationID]
	if exists && e.session != nil && e.session.Alive() {
		p.mu.Unlock()
		return e.session, nil
	}
	if exists && e.creating != nil {
		creating := e.creating
		p.mu.Unlock()
		<-creating
		if e.createErr != nil {
			return nil, e.createErr
		}
		return e.session, nil
	}

	e = &entry{creating: make(chan struct{})}
	p.sessions[conversationID] = e
	p.mu.Unlock()

	session, err := New(ctx, conversationID, p.config.ShellPath, cwd, env)

	p.mu.Lock()
	e.session = session
	e.createErr = err
	close(e.creating)
	e.creating = nil
	if err == nil && p.metrics != nil {
		p.metrics.ShellSessionsActive.Inc()
	}
	p.mu.Unlock()

	if err != nil {
		if p.logger != nil {
			p.logger.Error(ctx, "failed to create shell session", "conversation_id", conversationID, "error", err)
		}
		return nil, err
	}
	return session, nil
}

// Evict tears down conversationID's session, if any.
func (p *Pool) Evict(conversationID string, reason string) {
	p.mu.Lock()
	e, exists := p.sessions[conversationID]
	delete(p.sessions, conversationID)
	p.mu.Unlock()

	if !exists || e.session == nil {
		return
	}
	_ = e.session.Stop()
	if p.metrics != nil {
		p.metrics.ShellSessionsActive.Dec()
		p.metrics.ShellSessionsReaped.WithLabelValues(reason).Inc()
	}
}

// Count returns the number of tracked sessions (including ones still
// being created).
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) startSweep() {
	if p.config.SweepSchedule != "" {
		p.cronRunner = cron.New()
		_, err := p.cronRunner.AddFunc(p.config.SweepSchedule, p.sweep)
		if err == nil {
			p.cronRunner.Start()
			return
		}
		if p.logger != nil {
			p.logger.Error(context.Background(), "invalid sweep schedule, falling back to ticker", "error", err)
		}
	}

	interval := p.config.IdleExpiry / 6
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	p.stopTicker = make(chan struct{})
	p.tickerDone = make(chan struct{})
	go p.tickLoop(interval)
}

func (p *Pool) tickLoop(interval time.Duration) {
	defer close(p.tickerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopTicker:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.config.IdleExpiry)

	p.mu.Lock()
	var stale []string
	var dead []string
	for id, e := range p.sessions {
		if e.session == nil {
			continue
		}
		if !e.session.Alive() {
			dead = append(dead, id)
			continue
		}
		e.session.mu.Lock()
		busy := e.session.turn != nil
		e.session.mu.Unlock()
		if busy {
			continue
		}
		if e.session.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.Unlock()

	for _, id := range dead {
		p.Evict(id, "dead")
	}
	for _, id := range stale {
		p.Evict(id, "idle")
	}
}

// Shutdown stops the sweep and every pooled session.
func (p *Pool) Shutdown() {
	if p.cronRunner != nil {
		p.cronRunner.Stop()
	}
	if p.stopTicker != nil {
		close(p.stopTicker)
		<-p.tickerDone
	}

	p.mu.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Evict(id, "shutdown")
	}
}
