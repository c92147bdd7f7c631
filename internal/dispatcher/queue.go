package dispatcher

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // don't compact below this capacity
	compactShrinkFactor = 4  // compact when len < cap/4
)

// taskQueue is a FIFO of waiting tasks. The dispatcher's mutex guards it.
type taskQueue struct {
	tasks []*task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{tasks: make([]*task, 0, defaultQueueCap)}
}

func (q *taskQueue) Len() int { return len(q.tasks) }

func (q *taskQueue) PushBack(t *task) {
	q.tasks = append(q.tasks, t)
}

// PushFront puts a task back at the head so it keeps its place in arrival order.
func (q *taskQueue) PushFront(t *task) {
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[1:], q.tasks)
	q.tasks[0] = t
}

func (q *taskQueue) PopFront() *task {
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompact()
	return t
}

// Remove drops t from anywhere in the queue. It reports whether t was queued.
func (q *taskQueue) Remove(t *task) bool {
	for i, queued := range q.tasks {
		if queued != t {
			continue
		}
		copy(q.tasks[i:], q.tasks[i+1:])
		q.tasks[len(q.tasks)-1] = nil
		q.tasks = q.tasks[:len(q.tasks)-1]
		q.maybeCompact()
		return true
	}
	return false
}

// Drain empties the queue and returns what it held, oldest first.
func (q *taskQueue) Drain() []*task {
	out := q.tasks
	q.tasks = make([]*task, 0, defaultQueueCap)
	return out
}

func (q *taskQueue) maybeCompact() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*task, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)
	shrunk := make([]*task, n, newCap)
	copy(shrunk, q.tasks)
	q.tasks = shrunk
}
