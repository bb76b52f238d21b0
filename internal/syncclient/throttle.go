package syncclient

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// defaultRetryAfter is applied when a 429 response carries no usable
// Retry-After header.
const defaultRetryAfter = 30 * time.Second

// Throttle is the client-global rate-limit gate. A single 429 from the
// server suppresses all sync and session traffic until the deadline passes;
// local edits keep accumulating in the meantime.
type Throttle struct {
	mu    sync.Mutex
	until time.Time

	now func() time.Time
}

// NewThrottle returns an open throttle.
func NewThrottle() *Throttle {
	return &Throttle{now: time.Now}
}

// Limited reports whether traffic is currently suppressed and for how much
// longer.
func (t *Throttle) Limited() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := t.until.Sub(t.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// SetRetryAfter suppresses traffic for the given duration. A shorter window
// never truncates a longer one already in effect.
func (t *Throttle) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		d = defaultRetryAfter
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := t.now().Add(d)
	if deadline.After(t.until) {
		t.until = deadline
	}
}

// Clear lifts the suppression window.
func (t *Throttle) Clear() {
	t.mu.Lock()
	t.until = time.Time{}
	t.mu.Unlock()
}

// parseRetryAfter interprets a Retry-After header, which carries either a
// delay in seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return defaultRetryAfter
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 1 {
			secs = 1
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
