package tracker

import (
	"net/url"
	"testing"
	"time"

	"streambit/internal/errors"
)

func TestRetryIntervalSaturates(t *testing.T) {
	for _, tc := range []struct {
		failures int
		want     time.Duration
	}{
		{0, 15 * time.Second},
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{7, 1920 * time.Second},
		{8, maxRetryInterval},
		{40, maxRetryInterval},
		{1000, maxRetryInterval},
	} {
		if got := retryInterval(tc.failures); got != tc.want {
			t.Errorf("retryInterval(%d): want %s got %s", tc.failures, tc.want, got)
		}
	}
}

// A tracker that has failed every announce so far is still
// retried once its backoff interval elapses.
func TestFailingTrackerIsNotAbandoned(t *testing.T) {
	u, _ := url.Parse("udp://127.0.0.1:1/announce")
	udp := NewUDPTracker(u)

	hu, _ := url.Parse("http://127.0.0.1:1/announce")
	httpTr := NewHTTPTracker(hu)

	for i := 0; i < 20; i++ {
		udp.scheduleRetry(errors.New("connection refused"))
		httpTr.scheduleRetry(errors.New("connection refused"))
	}

	if udp.ShouldAnnounce() {
		t.Error("udp ShouldAnnounce: want false inside the backoff interval")
	}

	rewind := func(last *time.Time, interval time.Duration) {
		*last = time.Now().Add(-interval - time.Second)
	}

	udp.mu.Lock()
	rewind(&udp.lastAnnounce, udp.interval)
	udp.mu.Unlock()

	httpTr.mu.Lock()
	rewind(&httpTr.lastAnnounce, httpTr.interval)
	httpTr.mu.Unlock()

	if !udp.ShouldAnnounce() {
		t.Error("udp ShouldAnnounce: want true after the backoff interval, even past many failures")
	}

	if !httpTr.ShouldAnnounce() {
		t.Error("http ShouldAnnounce: want true after the backoff interval, even past many failures")
	}
}
