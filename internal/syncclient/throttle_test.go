package syncclient

import (
	"testing"
	"time"
)

func TestThrottleLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	if _, limited := th.Limited(); limited {
		t.Fatal("new throttle should be open")
	}

	th.SetRetryAfter(30 * time.Second)
	remaining, limited := th.Limited()
	if !limited {
		t.Fatal("throttle should be engaged")
	}
	if remaining != 30*time.Second {
		t.Fatalf("remaining = %v, want 30s", remaining)
	}

	// Time passes past the deadline.
	now = now.Add(31 * time.Second)
	if _, limited := th.Limited(); limited {
		t.Fatal("throttle should have expired")
	}
}

func TestThrottleNeverShortens(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	th.SetRetryAfter(60 * time.Second)
	th.SetRetryAfter(5 * time.Second)

	remaining, limited := th.Limited()
	if !limited || remaining != 60*time.Second {
		t.Fatalf("longer window truncated: %v (limited=%v)", remaining, limited)
	}
}

func TestThrottleDefaultsZeroDuration(t *testing.T) {
	th := NewThrottle()
	th.SetRetryAfter(0)
	remaining, limited := th.Limited()
	if !limited || remaining <= 0 {
		t.Fatalf("zero retry-after should fall back to default: %v", remaining)
	}
}

func TestThrottleClear(t *testing.T) {
	th := NewThrottle()
	th.SetRetryAfter(time.Hour)
	th.Clear()
	if _, limited := th.Limited(); limited {
		t.Fatal("clear did not lift the window")
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"seconds", "45", 45 * time.Second},
		{"zero clamps to one", "0", time.Second},
		{"empty falls back", "", defaultRetryAfter},
		{"garbage falls back", "soonish", defaultRetryAfter},
		{"http date", now.Add(90 * time.Second).Format("Mon, 02 Jan 2006 15:04:05 GMT"), 90 * time.Second},
		{"past http date falls back", now.Add(-time.Minute).Format("Mon, 02 Jan 2006 15:04:05 GMT"), defaultRetryAfter},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseRetryAfter(tc.header, now); got != tc.want {
				t.Fatalf("parseRetryAfter(%q) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}
}
