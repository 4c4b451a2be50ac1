package handlers

import "sync"

// ScrollTracker decides after each commit whether the browser should scroll the transcript to the bottom:
// only when the content grew while the viewport was near the bottom. The browser reports its viewport with
// Viewport; a newly selected chat starts at the bottom.
type ScrollTracker struct {
	mu         sync.Mutex
	threshold  int
	nearBottom bool
	chatID     string
	version    uint64
}

// NewScrollTracker creates a tracker that treats the viewport as near the bottom when it is at most
// threshold pixels away from it.
func NewScrollTracker(threshold int) *ScrollTracker {
	return &ScrollTracker{threshold: threshold, nearBottom: true}
}

// Viewport records the scroll position reported by the browser.
func (t *ScrollTracker) Viewport(scrollTop, scrollHeight, clientHeight int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nearBottom = scrollHeight-scrollTop-clientHeight <= t.threshold
}

// Commit records the transcript version of chatID after a change and reports whether the browser should
// follow it.
func (t *ScrollTracker) Commit(chatID string, version uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if chatID != t.chatID {
		t.chatID = chatID
		t.nearBottom = true
	}
	grew := version != t.version
	t.version = version
	return grew && t.nearBottom
}
