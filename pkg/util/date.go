package util

import (
	"fmt"
	"time"
)

// FormatClock renders a duration the way track lengths are shown in chat:
// "m:ss" below one hour and "h:mm:ss" above. Negative values render as 0:00.
//
// Example:
//
//	FormatClock(187 * time.Second) // "3:07"
//	FormatClock(3723 * time.Second) // "1:02:03"
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// FormatMinSec renders a duration as "N min N secs", the wording used on
// "added" notifications.
func FormatMinSec(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%d min %d secs", total/60, total%60)
}
