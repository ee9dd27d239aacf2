package limits

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionLimit(t *testing.T) {
	tr := NewTracker()
	require.True(t, tr.Acquire("alice", 2))
	require.True(t, tr.Acquire("alice", 2))
	require.False(t, tr.Acquire("alice", 2))
	tr.Release("alice")
	require.True(t, tr.Acquire("alice", 2))
}

func TestUnlimitedConnections(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 100; i++ {
		require.True(t, tr.Acquire("bob", 0))
	}
	require.Equal(t, 100, tr.Connections("bob"))
}

func TestUploadQuota(t *testing.T) {
	tr := NewTracker()
	require.True(t, tr.AddUpload("alice", 500, 1000, 3600))
	require.True(t, tr.AddUpload("alice", 500, 1000, 3600))
	require.False(t, tr.AddUpload("alice", 1, 1000, 3600))
	// a different user has their own window
	require.True(t, tr.AddUpload("bob", 1, 1000, 3600))
}

func TestConcurrentAcquire(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	granted := make(chan bool, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted <- tr.Acquire("alice", 10)
		}()
	}
	wg.Wait()
	close(granted)
	n := 0
	for ok := range granted {
		if ok {
			n++
		}
	}
	require.Equal(t, 10, n)
}
