package emit

import "sync"

// BufferedEmitter captures events in memory, organized by thread, for
// debugging, tests, and post-turn analysis.
//
// The buffer is bounded per thread; once full, the oldest events are
// dropped. For long-lived production threads prefer a persistent backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	limit  int
	events map[string][]Event // threadID -> events, oldest first
}

// DefaultBufferLimit is the per-thread event cap.
const DefaultBufferLimit = 1024

// NewBufferedEmitter creates a BufferedEmitter with the default cap.
func NewBufferedEmitter() *BufferedEmitter {
	return NewBufferedEmitterWithLimit(DefaultBufferLimit)
}

// NewBufferedEmitterWithLimit creates a BufferedEmitter capping each
// thread's history at limit events (<=0 means DefaultBufferLimit).
func NewBufferedEmitterWithLimit(limit int) *BufferedEmitter {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &BufferedEmitter{
		limit:  limit,
		events: make(map[string][]Event),
	}
}

// Emit stores the event, evicting the oldest when the thread is at cap.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	evs := append(b.events[event.ThreadID], event)
	if len(evs) > b.limit {
		evs = evs[len(evs)-b.limit:]
	}
	b.events[event.ThreadID] = evs
}

// History returns a copy of the captured events for a thread, oldest first.
func (b *BufferedEmitter) History(threadID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.events[threadID]...)
}

// HistoryByMsg returns the thread's events with a matching Msg.
func (b *BufferedEmitter) HistoryByMsg(threadID, msg string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events[threadID] {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops the captured events for a thread.
func (b *BufferedEmitter) Clear(threadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, threadID)
}
