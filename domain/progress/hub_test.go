package progress

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phraseforge/phraseforge/pkg/sse"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHub_SubscribeAndBroadcast(t *testing.T) {
	hub := testHub()

	ch, cancel := hub.Subscribe("job-1")
	defer cancel()

	hub.Broadcast(sse.JobProgressEvent{JobID: "job-1", Progress: 45})

	select {
	case event := <-ch:
		assert.Equal(t, 45, event.Progress)
	default:
		t.Fatal("expected a buffered event")
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	hub := testHub()

	ch1, cancel1 := hub.Subscribe("job-1")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("job-2")
	defer cancel2()

	hub.Broadcast(sse.JobProgressEvent{JobID: "job-1", Progress: 30})

	require.Len(t, ch1, 1)
	assert.Empty(t, ch2)
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := testHub()

	ch1, cancel1 := hub.Subscribe("job-1")
	defer cancel1()
	ch2, cancel2 := hub.Subscribe("job-1")
	defer cancel2()

	hub.Broadcast(sse.JobProgressEvent{JobID: "job-1"})

	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)
	assert.Equal(t, 2, hub.SubscriberCount("job-1"))
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := testHub()

	ch, cancel := hub.Subscribe("job-1")
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.SubscriberCount("job-1"))

	// Second cancel is a no-op.
	cancel()
}

func TestHub_BroadcastWithoutSubscribers(t *testing.T) {
	hub := testHub()
	hub.Broadcast(sse.JobProgressEvent{JobID: "nobody"})
}

func TestHub_SlowSubscriberDropsEvents(t *testing.T) {
	hub := testHub()

	ch, cancel := hub.Subscribe("job-1")
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		hub.Broadcast(sse.JobProgressEvent{JobID: "job-1", Progress: i})
	}

	// The buffer holds the first events; the overflow was dropped
	// rather than blocking the broadcaster.
	assert.Len(t, ch, subscriberBuffer)
}
