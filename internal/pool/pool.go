package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserpool/internal/browser"
	"github.com/shehryarbajwa/browserpool/internal/config"
	"github.com/shehryarbajwa/browserpool/pkg/models"
)

const (
	resetTimeout   = 10 * time.Second
	destroyTimeout = 15 * time.Second
)

type session struct {
	id           string
	conn         browser.Conn
	state        models.SessionState
	gen          uint64
	useCount     int
	createdAt    time.Time
	lastActivity time.Time
	taskID       string
	revoke       context.CancelFunc
}

// Pool owns every browser session. All table and free-list mutations happen under mu.
type Pool struct {
	cfg    config.PoolConfig
	engine browser.Engine
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	free     []string
	creating int
	waiters  int
	changed  chan struct{}
	closed   bool

	created int64
	retired int64
	reaped  int64

	bg sync.WaitGroup
}

// New creates a pool that opens sessions from engine on demand.
func New(cfg config.PoolConfig, engine browser.Engine, logger *zap.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 60 * time.Second
	}
	return &Pool{
		cfg:      cfg,
		engine:   engine,
		logger:   logger.Named("pool"),
		sessions: make(map[string]*session),
		changed:  make(chan struct{}),
	}
}

// AcquireTimeout is the configured wait for a free session.
func (p *Pool) AcquireTimeout() time.Duration { return p.cfg.AcquireTimeout }

// Acquire leases a session, creating one when the pool has room. It waits up to timeout
// for a release when the pool is full; timeout <= 0 waits until ctx is done.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	slot, err := p.Reserve(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return slot.Open(ctx)
}

// Slot is a place in the pool won by Reserve. It holds either an idle session that is
// already leased, or a reserved seat that Open fills with a new browser.
type Slot struct {
	pool  *Pool
	lease *Lease
}

// Ready reports whether the slot came with an existing session.
func (s *Slot) Ready() bool { return s.lease != nil }

// Open returns the slot's lease, starting a browser when the slot was reserved empty.
// It must be called exactly once.
func (s *Slot) Open(ctx context.Context) (*Lease, error) {
	if s.lease != nil {
		return s.lease, nil
	}
	if err := ctx.Err(); err != nil {
		s.pool.abandon()
		return nil, err
	}
	return s.pool.createLeased(ctx)
}

// Reserve claims a slot without waiting for a browser to start, so callers that hand
// work to other goroutines can open sessions in parallel. Waiting follows Acquire.
func (p *Pool) Reserve(ctx context.Context, timeout time.Duration) (*Slot, error) {
	start := time.Now()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, models.ErrPoolClosed
		}

		if s := p.popFreeLocked(); s != nil {
			lease := p.leaseLocked(s)
			p.mu.Unlock()
			recordAcquire(start, false)
			return &Slot{pool: p, lease: lease}, nil
		}

		if p.sizeLocked() < p.cfg.Capacity {
			p.creating++
			p.bg.Add(1)
			p.publishLocked()
			p.mu.Unlock()
			recordAcquire(start, false)
			return &Slot{pool: p}, nil
		}

		ch := p.changed
		p.waiters++
		p.mu.Unlock()

		select {
		case <-ch:
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
		case <-expired:
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
			recordAcquire(start, true)
			return nil, models.ErrPoolExhausted
		case <-ctx.Done():
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// abandon gives back a reserved seat that was never filled.
func (p *Pool) abandon() {
	defer p.bg.Done()
	p.mu.Lock()
	p.creating--
	p.notifyLocked()
	p.mu.Unlock()
}

// createLeased opens a session into a slot the caller already reserved.
func (p *Pool) createLeased(ctx context.Context) (*Lease, error) {
	defer p.bg.Done()
	conn, err := p.open(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.creating--

	if err != nil {
		p.notifyLocked()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if p.closed {
		p.notifyLocked()
		p.destroyConn(conn, "closed")
		return nil, models.ErrPoolClosed
	}

	s := p.addLocked(conn)
	return p.leaseLocked(s), nil
}

func (p *Pool) open(ctx context.Context) (browser.Conn, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	conn, err := p.engine.Open(createCtx)
	if err != nil {
		recordCreateFailure()
		p.logger.Warn("Failed to open browser session.", zap.Error(err))
		return nil, err
	}
	recordCreated()
	return conn, nil
}

func (p *Pool) addLocked(conn browser.Conn) *session {
	now := time.Now()
	s := &session{
		id:           uuid.NewString(),
		conn:         conn,
		state:        models.StateIdle,
		createdAt:    now,
		lastActivity: now,
	}
	p.sessions[s.id] = s
	p.created++
	p.logger.Debug("Session created.", zap.String("session_id", s.id))
	return s
}

func (p *Pool) leaseLocked(s *session) *Lease {
	ctx, cancel := context.WithCancel(context.Background())
	s.state = models.StateInUse
	s.gen++
	s.useCount++
	s.lastActivity = time.Now()
	s.revoke = cancel
	p.publishLocked()
	return &Lease{
		SessionID: s.id,
		gen:       s.gen,
		conn:      s.conn,
		pool:      p,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Release returns a leased session. Reusable sessions are reset and go back to Idle
// unless they are due for recycling. Tainted sessions are destroyed.
// A second Release, or one after the monitor revoked the lease, returns ErrLeaseRevoked.
func (p *Pool) Release(lease *Lease, outcome browser.Outcome) error {
	if !lease.released.CompareAndSwap(false, true) {
		return models.ErrLeaseRevoked
	}
	lease.cancel()

	p.mu.Lock()
	s, ok := p.sessions[lease.SessionID]
	if !ok || s.gen != lease.gen || s.state != models.StateInUse {
		p.mu.Unlock()
		return models.ErrLeaseRevoked
	}
	s.taskID = ""
	s.lastActivity = time.Now()

	if outcome == browser.OutcomeTainted {
		p.drainLocked(s, "tainted")
		p.mu.Unlock()
		return nil
	}
	if reason := p.recycleReason(s); reason != "" {
		p.drainLocked(s, reason)
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.drainLocked(s, "closed")
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	// the slot stays InUse while the context is cleared
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	err := s.conn.Reset(ctx)
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if s.gen != lease.gen || s.state != models.StateInUse {
		// revoked while resetting
		return nil
	}
	if err != nil || !s.conn.Alive() {
		p.logger.Info("Session failed to reset; retiring.", zap.String("session_id", s.id), zap.Error(err))
		p.drainLocked(s, "reset_failed")
		return nil
	}
	if p.closed {
		p.drainLocked(s, "closed")
		return nil
	}
	s.state = models.StateIdle
	p.free = append(p.free, s.id)
	p.notifyLocked()
	return nil
}

func (p *Pool) recycleReason(s *session) string {
	if p.cfg.MaxUses > 0 && s.useCount >= p.cfg.MaxUses {
		return "max_uses"
	}
	if p.cfg.MaxAge > 0 && time.Since(s.createdAt) >= p.cfg.MaxAge {
		return "max_age"
	}
	return ""
}

// drainLocked moves s to Draining and destroys it in the background. The slot counts
// toward size until the browser is gone.
func (p *Pool) drainLocked(s *session, reason string) {
	p.retireLocked(s, reason, false)
}

// revokeLocked takes s away from its lease holder. Abort can block on a hung browser,
// so it runs in the drain goroutine and never under mu.
func (p *Pool) revokeLocked(s *session, reason string) {
	s.gen++
	p.retireLocked(s, reason, true)
}

func (p *Pool) retireLocked(s *session, reason string, abort bool) {
	s.state = models.StateDraining
	if s.revoke != nil {
		s.revoke()
	}
	p.removeFreeLocked(s.id)
	p.publishLocked()

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		if abort {
			s.conn.Abort()
		}
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		if err := s.conn.Close(ctx); err != nil {
			p.logger.Debug("Error closing session.", zap.String("session_id", s.id), zap.Error(err))
		}

		p.mu.Lock()
		s.state = models.StateDead
		delete(p.sessions, s.id)
		p.retired++
		p.notifyLocked()
		closed := p.closed
		p.mu.Unlock()

		recordRetired(reason)
		p.logger.Debug("Session destroyed.", zap.String("session_id", s.id), zap.String("reason", reason))

		if !closed && p.cfg.MinWarm > 0 {
			if _, err := p.EnsureWarm(context.Background(), p.cfg.MinWarm); err != nil {
				p.logger.Warn("Failed to replace retired session.", zap.Error(err))
			}
		}
	}()
}

// destroyConn closes a conn that never entered the table.
func (p *Pool) destroyConn(conn browser.Conn, reason string) {
	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()
		_ = conn.Close(ctx)
		recordRetired(reason)
	}()
}

func (p *Pool) touch(id string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok && s.gen == gen && s.state == models.StateInUse {
		s.lastActivity = time.Now()
	}
}

func (p *Pool) bind(id string, gen uint64, taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok && s.gen == gen {
		s.taskID = taskID
	}
}

// ReapStale tears down InUse sessions with no activity for longer than threshold.
// Their leases are revoked and their contexts cancelled.
func (p *Pool) ReapStale(threshold time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := 0
	for _, s := range p.sessions {
		if s.state != models.StateInUse || now.Sub(s.lastActivity) <= threshold {
			continue
		}
		p.logger.Warn("Reaping stale session.",
			zap.String("session_id", s.id),
			zap.String("task_id", s.taskID),
			zap.Duration("idle", now.Sub(s.lastActivity)))
		p.revokeLocked(s, "stale")
		p.reaped++
		n++
	}
	return n
}

// CheckIdle destroys Idle sessions whose browser has gone away.
func (p *Pool) CheckIdle(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, s := range p.sessions {
		if s.state != models.StateIdle || s.conn.Alive() {
			continue
		}
		p.logger.Info("Idle session is no longer alive.", zap.String("session_id", s.id))
		p.drainLocked(s, "dead")
		n++
	}
	return n
}

// EnsureWarm starts sessions until at least target are Idle or being created, within capacity.
func (p *Pool) EnsureWarm(ctx context.Context, target int) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, nil
	}
	need := target - len(p.free) - p.creating
	if room := p.cfg.Capacity - p.sizeLocked(); need > room {
		need = room
	}
	if need <= 0 {
		p.mu.Unlock()
		return 0, nil
	}
	p.creating += need
	// Close must wait for these so no browser outlives the pool
	p.bg.Add(1)
	defer p.bg.Done()
	p.publishLocked()
	p.mu.Unlock()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		started int
	)
	for i := 0; i < need; i++ {
		g.Go(func() error {
			conn, err := p.open(ctx)

			p.mu.Lock()
			defer p.mu.Unlock()
			p.creating--
			if err != nil {
				p.notifyLocked()
				return err
			}
			if p.closed {
				p.notifyLocked()
				p.destroyConn(conn, "closed")
				return nil
			}
			s := p.addLocked(conn)
			p.free = append(p.free, s.id)
			p.notifyLocked()

			mu.Lock()
			started++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return started, err
}

// Sessions lists every session, oldest first.
func (p *Pool) Sessions() []models.SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, models.SessionInfo{
			ID:           s.id,
			State:        s.state,
			Engine:       p.engine.Name(),
			UseCount:     s.useCount,
			CreatedAt:    s.createdAt,
			LastActivity: s.lastActivity,
			TaskID:       s.taskID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats counts sessions by state along with lifetime create/retire totals.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := models.PoolStats{
		Capacity: p.cfg.Capacity,
		Size:     p.sizeLocked(),
		Creating: p.creating,
		Waiters:  p.waiters,
		Created:  p.created,
		Retired:  p.retired,
		Reaped:   p.reaped,
	}
	for _, s := range p.sessions {
		switch s.state {
		case models.StateIdle:
			st.Idle++
		case models.StateInUse:
			st.InUse++
		case models.StateDraining:
			st.Draining++
		}
	}
	return st
}

// Close drains every session, revoking outstanding leases, and waits for the browsers to exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, s := range p.sessions {
		switch s.state {
		case models.StateInUse:
			p.revokeLocked(s, "closed")
		case models.StateIdle:
			p.drainLocked(s, "closed")
		}
	}
	p.notifyLocked()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for sessions to close: %w", ctx.Err())
	}
	return p.engine.Close(ctx)
}

func (p *Pool) sizeLocked() int {
	return len(p.sessions) + p.creating
}

func (p *Pool) popFreeLocked() *session {
	for len(p.free) > 0 {
		id := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		if s, ok := p.sessions[id]; ok && s.state == models.StateIdle {
			return s
		}
	}
	return nil
}

func (p *Pool) removeFreeLocked(id string) {
	for i, fid := range p.free {
		if fid == id {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return
		}
	}
}

// notifyLocked wakes every goroutine blocked in Acquire.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
	p.publishLocked()
}

func (p *Pool) publishLocked() {
	var idle, inUse, draining int
	for _, s := range p.sessions {
		switch s.state {
		case models.StateIdle:
			idle++
		case models.StateInUse:
			inUse++
		case models.StateDraining:
			draining++
		}
	}
	recordStates(idle, inUse, draining, p.creating)
}
