package progress

import (
	"log/slog"
	"sync"

	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
	"github.com/phraseforge/phraseforge/pkg/sse"
)

// subscriberBuffer bounds each subscriber channel. Events are full
// snapshots, so dropping an intermediate one loses nothing.
const subscriberBuffer = 16

// Hub fans progress events out to in-process subscribers, one topic per
// job.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[chan sse.JobProgressEvent]struct{}
	log    *slog.Logger
}

// NewHub creates a Hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[chan sse.JobProgressEvent]struct{}),
		log:    log.With(logger.Scope("progress.hub")),
	}
}

// Subscribe registers a subscriber for one job's events. The returned
// cancel func must be called when the subscriber goes away.
func (h *Hub) Subscribe(jobID string) (<-chan sse.JobProgressEvent, func()) {
	ch := make(chan sse.JobProgressEvent, subscriberBuffer)

	h.mu.Lock()
	subs, ok := h.topics[jobID]
	if !ok {
		subs = make(map[chan sse.JobProgressEvent]struct{})
		h.topics[jobID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	metrics.ProgressSubscribers.Inc()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.topics[jobID]; ok {
			if _, present := subs[ch]; present {
				delete(subs, ch)
				close(ch)
				metrics.ProgressSubscribers.Dec()
			}
			if len(subs) == 0 {
				delete(h.topics, jobID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast delivers an event to the job's subscribers. Slow consumers
// with a full buffer skip the event; the next one carries the newer
// state anyway.
func (h *Hub) Broadcast(event sse.JobProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.topics[event.JobID] {
		select {
		case ch <- event:
		default:
			h.log.Debug("dropping event for slow subscriber",
				slog.String("job_id", event.JobID))
		}
	}
}

// SubscriberCount reports the subscribers for one job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[jobID])
}
