package chat

import (
	"context"
	"sync"
	"time"

	"chatstream/internal/metrics"
)

// ActiveStream is the tracked state of one in-flight streamed turn. It is
// owned exclusively by the Manager; no stream id outlives its generator.
type ActiveStream struct {
	StreamID       string
	UserID         string
	ConversationID string
	StartedAt      time.Time

	cancelled chan struct{}
	once      sync.Once
	// cancelTask aborts the driving request as a fallback for the case where
	// the adapter is blocked on a single long read.
	cancelTask context.CancelFunc
}

// Cancelled returns a channel closed once cancellation has been requested.
func (a *ActiveStream) Cancelled() <-chan struct{} { return a.cancelled }

func (a *ActiveStream) isCancelled() bool {
	select {
	case <-a.cancelled:
		return true
	default:
		return false
	}
}

func (a *ActiveStream) cancel() {
	a.once.Do(func() {
		close(a.cancelled)
		if a.cancelTask != nil {
			a.cancelTask()
		}
	})
}

// Manager is the process-wide table of active streams. It participates only
// in registration and cancellation, never in chunk flow.
//
// The table is in-process: with multiple instances a cancel request must
// land on the instance holding the stream.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*ActiveStream
	metrics *metrics.Registry
}

func NewManager(reg *metrics.Registry) *Manager {
	return &Manager{streams: make(map[string]*ActiveStream), metrics: reg}
}

// Register tracks a new stream. It must complete before the first chunk is
// read from the provider.
func (m *Manager) Register(streamID, userID, conversationID string, cancelTask context.CancelFunc) *ActiveStream {
	stream := &ActiveStream{
		StreamID:       streamID,
		UserID:         userID,
		ConversationID: conversationID,
		StartedAt:      time.Now().UTC(),
		cancelled:      make(chan struct{}),
		cancelTask:     cancelTask,
	}

	m.mu.Lock()
	m.streams[streamID] = stream
	m.metrics.SetGauge("active_streams", float64(len(m.streams)))
	m.mu.Unlock()
	return stream
}

// Unregister stops tracking a stream. It is called exactly once per stream
// lifecycle, on every exit path.
func (m *Manager) Unregister(streamID string) *ActiveStream {
	m.mu.Lock()
	stream := m.streams[streamID]
	delete(m.streams, streamID)
	m.metrics.SetGauge("active_streams", float64(len(m.streams)))
	m.mu.Unlock()
	return stream
}

// Cancel requests cancellation of a running stream. It succeeds only when the
// stream exists and belongs to userID. The stream is removed from the table
// as part of cancelling, so a second call for the same id finds no tracked
// stream and returns false.
func (m *Manager) Cancel(streamID, userID string) bool {
	m.mu.Lock()
	stream := m.streams[streamID]
	if stream == nil || stream.UserID != userID {
		m.mu.Unlock()
		return false
	}
	delete(m.streams, streamID)
	m.metrics.SetGauge("active_streams", float64(len(m.streams)))
	m.mu.Unlock()

	stream.cancel()
	return true
}

// Get returns the tracked stream, if any.
func (m *Manager) Get(streamID string) *ActiveStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[streamID]
}
