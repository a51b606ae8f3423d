// Package timesync aligns the node clock with the management engine's.
package timesync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var ErrUnparsable = errors.New("unrecognised engine time")

// Syncer sets the local clock from the engine's reported time.
type Syncer interface {
	Sync(engineTime string) error
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.000",
}

// ParseEngineTime accepts the formats engines have been seen to send. Times
// without a zone are UTC.
func ParseEngineTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsable, raw)
}

// SystemSyncer sets the system clock with settimeofday(2).
type SystemSyncer struct {
	// MinDrift is the skew below which the clock is left alone.
	MinDrift time.Duration

	now    func() time.Time
	settod func(*unix.Timeval) error
}

func NewSystemSyncer() *SystemSyncer {
	return &SystemSyncer{MinDrift: time.Second, now: time.Now, settod: unix.Settimeofday}
}

func (s *SystemSyncer) Sync(engineTime string) error {
	target, err := ParseEngineTime(engineTime)
	if err != nil {
		return err
	}
	drift := target.Sub(s.now())
	if drift < 0 {
		drift = -drift
	}
	if drift < s.MinDrift {
		return nil
	}
	tv := unix.NsecToTimeval(target.UnixNano())
	if err := s.settod(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}
