package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserpool/pkg/models"
)

// subscriberBuffer is how many events a slow observer may lag before events are dropped.
const subscriberBuffer = 64

// Ticket is the caller's handle on a submitted task.
type Ticket struct {
	id        string
	projectID string
	done      chan struct{}
	cancel    func()

	mu       sync.Mutex
	snapshot models.TaskResult
	err      error
	history  []models.TaskEvent
	subs     map[chan models.TaskEvent]struct{}
}

func newTicket(id, projectID string, submitted time.Time, cancel func()) *Ticket {
	return &Ticket{
		id:        id,
		projectID: projectID,
		done:      make(chan struct{}),
		cancel:    cancel,
		snapshot: models.TaskResult{
			TaskID:      id,
			Status:      models.TaskQueued,
			SubmittedAt: submitted,
		},
		subs: make(map[chan models.TaskEvent]struct{}),
	}
}

func (t *Ticket) ID() string { return t.id }

func (t *Ticket) ProjectID() string { return t.projectID }

// Done is closed once the task reaches a terminal status.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the final result and error. Before Done it returns the current snapshot and nil.
func (t *Ticket) Result() (*models.TaskResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.snapshot
	return &res, t.err
}

// Status is the task's current status.
func (t *Ticket) Status() models.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot.Status
}

// Wait blocks until the task finishes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (*models.TaskResult, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes a queued task or aborts a running one. It is a no-op once finished.
func (t *Ticket) Cancel() {
	t.cancel()
}

// Events replays what has happened so far and then streams new events. The channel
// is closed when the task finishes or stop is called.
func (t *Ticket) Events() (<-chan models.TaskEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan models.TaskEvent, len(t.history)+subscriberBuffer)
	for _, ev := range t.history {
		ch <- ev
	}
	select {
	case <-t.done:
		close(ch)
		return ch, func() {}
	default:
	}

	t.subs[ch] = struct{}{}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subs[ch]; ok {
				delete(t.subs, ch)
				close(ch)
			}
		})
	}
	return ch, stop
}

func (t *Ticket) emit(ev models.TaskEvent) {
	ev.TaskID = t.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = append(t.history, ev)
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Ticket) update(fn func(res *models.TaskResult)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snapshot)
}

// complete records the final result and wakes every waiter.
func (t *Ticket) complete(res models.TaskResult, err error) {
	t.mu.Lock()
	t.snapshot = res
	t.err = err
	for ch := range t.subs {
		close(ch)
	}
	t.subs = make(map[chan models.TaskEvent]struct{})
	close(t.done)
	t.mu.Unlock()
}
