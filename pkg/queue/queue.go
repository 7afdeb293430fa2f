// Package queue implements the priority-banded pending-task store: four
// FIFO bands (urgent, high, normal, low), bounded in total depth.
package queue

import (
	"container/list"
	"errors"
	"sync"

	"github.com/4ier/retire-cluster/pkg/events"
	"github.com/4ier/retire-cluster/pkg/metrics"
	"github.com/4ier/retire-cluster/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("queue_full")

var bands = []types.Priority{
	types.PriorityUrgent,
	types.PriorityHigh,
	types.PriorityNormal,
	types.PriorityLow,
}

// Queue is a bounded, priority-banded pending-task store. Within a band,
// order is FIFO by enqueue order (which matches created_at/task_id
// ordering since tasks are enqueued in creation order).
type Queue struct {
	mu       sync.Mutex
	capacity int
	depth    int
	byBand   map[types.Priority]*list.List
	index    map[string]*list.Element
	events   *events.Broker
}

// New creates an empty queue bounded at capacity (<=0 selects 10000,
// matching the documented default). broker may be nil if no consumer needs
// task-submitted notifications.
func New(capacity int, broker *events.Broker) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	q := &Queue{
		capacity: capacity,
		byBand:   make(map[types.Priority]*list.List),
		index:    make(map[string]*list.Element),
		events:   broker,
	}
	for _, b := range bands {
		q.byBand[b] = list.New()
	}
	return q
}

func (q *Queue) publish(t events.EventType, taskID, msg string) {
	if q.events == nil {
		return
	}
	q.events.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"task_id": taskID}})
}

// Enqueue transitions task to queued and appends it to the tail of its
// priority band. Returns ErrQueueFull at capacity, leaving all state
// unchanged.
func (q *Queue) Enqueue(task *types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depth >= q.capacity {
		metrics.QueueFullRejections.Inc()
		return ErrQueueFull
	}

	band, ok := q.byBand[task.Priority]
	if !ok {
		band = q.byBand[types.PriorityNormal]
	}

	task.State = types.TaskQueued
	elem := band.PushBack(task)
	q.index[task.TaskID] = elem
	q.depth++

	metrics.QueueDepth.WithLabelValues(string(task.Priority)).Set(float64(band.Len()))
	metrics.TasksQueuedTotal.WithLabelValues(string(task.Priority)).Inc()
	q.publish(events.EventTaskQueued, task.TaskID, "task "+task.TaskID+" queued")
	return nil
}

// EligibilityPredicate decides whether task can currently be dispatched.
// It must not mutate task or block.
type EligibilityPredicate func(task *types.Task) bool

// DequeueMatching scans bands urgent→low; within a band, head-to-tail
// (oldest first), and returns the first task the predicate accepts. It
// never returns a lower-priority match while skipping over a higher-
// priority match the predicate would also have accepted. The caller is
// only offered one task per call specifically so the scheduler can re-run
// eligibility per band without racing a stale eligible set.
func (q *Queue) DequeueMatching(predicate EligibilityPredicate) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range bands {
		l := q.byBand[b]
		for e := l.Front(); e != nil; e = e.Next() {
			task := e.Value.(*types.Task)
			if predicate(task) {
				l.Remove(e)
				delete(q.index, task.TaskID)
				q.depth--
				metrics.QueueDepth.WithLabelValues(string(b)).Set(float64(l.Len()))
				return task
			}
		}
	}
	return nil
}

// RequeueHead puts task back at the head of its band, used when a
// dispatch attempt fails after dequeue.
func (q *Queue) RequeueHead(task *types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	band, ok := q.byBand[task.Priority]
	if !ok {
		band = q.byBand[types.PriorityNormal]
	}
	task.State = types.TaskQueued
	elem := band.PushFront(task)
	q.index[task.TaskID] = elem
	q.depth++
	metrics.QueueDepth.WithLabelValues(string(task.Priority)).Set(float64(band.Len()))
}

// Cancel removes a queued task by id, returning it with State set to
// cancelled. Returns nil if it was not (still) queued, e.g. already
// dispatched.
func (q *Queue) Cancel(taskID string) *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.index[taskID]
	if !ok {
		return nil
	}
	task := elem.Value.(*types.Task)
	band := q.byBand[task.Priority]
	band.Remove(elem)
	delete(q.index, taskID)
	q.depth--
	task.State = types.TaskCancelled
	metrics.QueueDepth.WithLabelValues(string(task.Priority)).Set(float64(band.Len()))
	return task
}

// Get returns a snapshot of a still-queued task by id, without removing
// it. Used by get_task to report queued state/metadata.
func (q *Queue) Get(taskID string) (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.index[taskID]
	if !ok {
		return types.Task{}, false
	}
	return elem.Value.(*types.Task).Snapshot(), true
}

// BandStats is the pending count for one priority band.
type BandStats struct {
	Priority types.Priority
	Count    int
}

// PeekStats returns counts per band plus the total depth.
func (q *Queue) PeekStats() ([]BandStats, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make([]BandStats, 0, len(bands))
	for _, b := range bands {
		stats = append(stats, BandStats{Priority: b, Count: q.byBand[b].Len()})
	}
	return stats, q.depth
}

// Depth returns the total pending count.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}
