package pool

import (
	"context"
	"sync/atomic"

	"github.com/shehryarbajwa/browserpool/internal/browser"
)

// Lease is exclusive ownership of one session for the duration of a task. It refers
// to the session by id and generation, so a lease the monitor revoked can never touch
// the session's next occupant.
type Lease struct {
	SessionID string

	gen      uint64
	conn     browser.Conn
	pool     *Pool
	ctx      context.Context
	cancel   context.CancelFunc
	released atomic.Bool
}

// Context is cancelled when the lease is revoked or released.
func (l *Lease) Context() context.Context { return l.ctx }

// Conn is the browser connection the lease grants.
func (l *Lease) Conn() browser.Conn { return l.conn }

// Touch records activity so the monitor does not presume the session hung.
func (l *Lease) Touch() { l.pool.touch(l.SessionID, l.gen) }

// Bind records which task holds the session, for listings.
func (l *Lease) Bind(taskID string) { l.pool.bind(l.SessionID, l.gen, taskID) }

// Release hands the session back. Only the first call has any effect.
func (l *Lease) Release(outcome browser.Outcome) error {
	return l.pool.Release(l, outcome)
}
