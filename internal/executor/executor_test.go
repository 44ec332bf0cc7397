package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectRunsInline(t *testing.T) {
	ran := false
	Direct{}.Post(func() { ran = true })
	assert.True(t, ran, "Direct MUST run the task before Post returns")
	assert.NotPanics(t, func() { Direct{}.Post(nil) })
}

func TestSerialPreservesOrder(t *testing.T) {
	s := NewSerial("test-serial", logrus.New())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		s.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	s.Close()

	require.Len(t, got, 100, "Close MUST drain queued tasks")
	for i, v := range got {
		assert.Equal(t, i, v, "tasks MUST run in FIFO order")
	}
}

func TestSerialSurvivesPanickingTask(t *testing.T) {
	s := NewSerial("test-panic", logrus.New())
	done := make(chan struct{})
	s.Post(func() { panic("boom") })
	s.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after a panicking task MUST still run")
	}
	s.Close()
}

func TestSerialDropsAfterClose(t *testing.T) {
	s := NewSerial("test-closed", nil)
	s.Close()
	s.Close()

	assert.False(t, s.TryPost(func() {}), "post after Close MUST be rejected")

	ran := make(chan struct{}, 1)
	s.Post(func() { ran <- struct{}{} })
	select {
	case <-ran:
		t.Fatal("task posted after Close MUST be dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSerialCloseFromTask(t *testing.T) {
	s := NewSerial("test-self-close", nil)
	done := make(chan struct{})
	s.Post(func() {
		s.Close()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close from a task MUST NOT deadlock")
	}
}
