// Package resultstore holds terminal task snapshots so API callers can
// retrieve a result after the scheduler has released a task, bounded by
// count and age so memory does not grow without limit.
package resultstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/4ier/retire-cluster/pkg/types"
)

type entry struct {
	task      types.Task
	storedAt  time.Time
	listElem  *list.Element
}

// Store is a bounded map task_id → terminal Task snapshot. Retention is
// the lesser of maxCount most recent terminals and maxAge.
type Store struct {
	mu       sync.Mutex
	byID     map[string]*entry
	order    *list.List // front = oldest, back = newest
	maxCount int
	maxAge   time.Duration
}

// New creates a result store. maxCount<=0 selects 10000, maxAge<=0
// selects 24h, matching the documented defaults.
func New(maxCount int, maxAge time.Duration) *Store {
	if maxCount <= 0 {
		maxCount = 10000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Store{
		byID:     make(map[string]*entry),
		order:    list.New(),
		maxCount: maxCount,
		maxAge:   maxAge,
	}
}

// Put records a terminal task snapshot, evicting the oldest entries past
// maxCount or maxAge.
func (s *Store) Put(task types.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[task.TaskID]; ok {
		s.order.Remove(old.listElem)
	}

	e := &entry{task: task, storedAt: time.Now()}
	e.listElem = s.order.PushBack(task.TaskID)
	s.byID[task.TaskID] = e

	s.evictLocked()
}

func (s *Store) evictLocked() {
	for s.order.Len() > s.maxCount {
		s.evictFront()
	}
	cutoff := time.Now().Add(-s.maxAge)
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		id := front.Value.(string)
		e, ok := s.byID[id]
		if !ok || e.storedAt.After(cutoff) {
			break
		}
		s.evictFront()
	}
}

func (s *Store) evictFront() {
	front := s.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	s.order.Remove(front)
	delete(s.byID, id)
}

// Get returns a task's terminal snapshot, or false if it was never stored
// or has since expired from retention. Absence here does not mean the
// task never existed: callers distinguish "still running" by checking
// the scheduler's in-flight set first.
func (s *Store) Get(taskID string) (types.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[taskID]
	if !ok {
		return types.Task{}, false
	}
	return e.task, true
}

// Len reports the number of retained results, for diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
