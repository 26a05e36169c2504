package signaged

import (
	"testing"
	"time"
)

func TestResyncDueNeverSynced(t *testing.T) {
	now := time.Now()
	if !ResyncDue(now, time.Time{}, 0, DefaultResyncAfter) {
		t.Fatal("expected resync due for never-synced device")
	}
	// A zero last_sync_at is infinitely old even if the version advanced.
	if !ResyncDue(now, time.Time{}, 3, DefaultResyncAfter) {
		t.Fatal("expected resync due for zero last sync timestamp")
	}
}

func TestResyncDueVersionZeroAlwaysDue(t *testing.T) {
	now := time.Now()
	if !ResyncDue(now, now, 0, DefaultResyncAfter) {
		t.Fatal("expected resync due at sync_version 0 even with a fresh sync timestamp")
	}
	if ResyncDue(now, now, 1, DefaultResyncAfter) {
		t.Fatal("expected no resync at sync_version 1 with a fresh sync timestamp")
	}
}

func TestResyncDueThresholdBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"well within threshold", time.Minute, false},
		{"exactly at threshold", 5 * time.Minute, false},
		{"just past threshold", 5*time.Minute + time.Nanosecond, true},
		{"long past threshold", time.Hour, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResyncDue(now, now.Add(-tc.age), 1, DefaultResyncAfter)
			if got != tc.want {
				t.Fatalf("ResyncDue with age %s = %v, want %v", tc.age, got, tc.want)
			}
		})
	}
}
