package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/require"
)

func TestQueue_StopReleasesOverflowedScheduling(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "queue-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	queue := NewQueue(1, nil, log)

	// No workers are running, so the channel never drains. Fill it to
	// capacity and push one more, which lands in the fallback hand-off.
	for i := range pendingChannelSize {
		queue.pendingIDs <- fmt.Sprintf("filler-%d", i)
	}

	queue.enqueuePendingID("overflow")

	stopped := make(chan struct{})

	go func() {
		queue.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an undeliverable job hand-off")
	}
}
