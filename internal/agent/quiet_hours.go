package agent

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaypush/internal/remote"
)

// ParseClock converts "HH:MM" (optionally "HH:MM:SS") to minutes past
// midnight.
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 || len(parts[0]) > 2 {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid clock %q", value)
	}
	return hours*60 + minutes, nil
}

// InQuietHours reports whether now falls inside the quiet window. Start is
// inclusive and end exclusive; a start at or after end wraps midnight.
// Disabled or unparseable windows never suppress.
func InQuietHours(q remote.QuietHours, now time.Time) (bool, error) {
	if !q.Enabled {
		return false, nil
	}
	start, err := ParseClock(q.Start)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}
	minute := now.Hour()*60 + now.Minute()
	if start < end {
		return start <= minute && minute < end, nil
	}
	return minute >= start || minute < end, nil
}
