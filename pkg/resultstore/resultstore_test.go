package resultstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/4ier/retire-cluster/pkg/types"
)

func TestGetReturnsStoredTerminalSnapshot(t *testing.T) {
	s := New(10, time.Hour)
	s.Put(types.Task{TaskID: "t1", State: types.TaskSuccess})

	got, ok := s.Get("t1")
	assert.True(t, ok)
	assert.Equal(t, types.TaskSuccess, got.State)
}

func TestGetOnUnknownTaskIsAbsent(t *testing.T) {
	s := New(10, time.Hour)
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestCountRetentionEvictsOldest(t *testing.T) {
	s := New(3, time.Hour)
	for i := 0; i < 5; i++ {
		s.Put(types.Task{TaskID: fmt.Sprintf("t%d", i), State: types.TaskSuccess})
	}

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("t0")
	assert.False(t, ok, "oldest entries should have been evicted")
	_, ok = s.Get("t4")
	assert.True(t, ok, "newest entry should remain")
}

func TestAgeRetentionEvictsExpiredEntries(t *testing.T) {
	s := New(100, 20*time.Millisecond)
	s.Put(types.Task{TaskID: "old", State: types.TaskFailed})
	time.Sleep(40 * time.Millisecond)
	s.Put(types.Task{TaskID: "new", State: types.TaskSuccess})

	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
}
