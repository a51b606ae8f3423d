package timesync

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestParseEngineTime(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, raw := range []string{"2024-01-01T00:00:00Z", "2024-01-01T00:00:00", "2024-01-01 00:00:00", " 2024-01-01T00:00:00.000\n"} {
		got, err := ParseEngineTime(raw)
		if err != nil {
			t.Fatalf("ParseEngineTime(%q): %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseEngineTime(%q) = %v", raw, got)
		}
	}
	if _, err := ParseEngineTime("t1"); !errors.Is(err, ErrUnparsable) {
		t.Fatalf("expected ErrUnparsable, got %v", err)
	}
}

func TestSystemSyncerSetsClockOnDrift(t *testing.T) {
	var set *unix.Timeval
	s := &SystemSyncer{
		MinDrift: time.Second,
		now:      func() time.Time { return time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC) },
		settod: func(tv *unix.Timeval) error {
			set = tv
			return nil
		},
	}
	if err := s.Sync("2024-01-01T00:00:00"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if set == nil {
		t.Fatal("clock was not set")
	}
	if got := time.Unix(set.Unix()); !got.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("clock set to %v", got)
	}
}

func TestSystemSyncerSkipsSmallDrift(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &SystemSyncer{
		MinDrift: time.Second,
		now:      func() time.Time { return now },
		settod: func(*unix.Timeval) error {
			t.Fatal("clock should not be set")
			return nil
		},
	}
	if err := s.Sync("2024-01-01T00:00:00"); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestSystemSyncerReportsFailure(t *testing.T) {
	s := &SystemSyncer{
		now:    time.Now,
		settod: func(*unix.Timeval) error { return unix.EPERM },
	}
	if err := s.Sync("2001-01-01T00:00:00"); !errors.Is(err, unix.EPERM) {
		t.Fatalf("expected EPERM, got %v", err)
	}
}
