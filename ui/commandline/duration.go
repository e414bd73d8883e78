// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"time"
)

// durationUnits from the largest, used by FormatDuration below one minute.
var durationUnits = []struct {
	unit   time.Duration
	suffix string
}{
	{time.Second, "s"},
	{time.Millisecond, "ms"},
	{time.Microsecond, "µs"},
}

// FormatDuration pretty prints a duration with two decimal places in its largest unit, e.g. "1.50ms".
// Durations of a minute or more are rounded to the second ("1m30s").
func FormatDuration(d time.Duration) string {
	if d >= time.Minute || d <= -time.Minute {
		return d.Round(time.Second).String()
	}
	abs := max(d, -d)
	for _, u := range durationUnits {
		if abs >= u.unit {
			return fmt.Sprintf("%.2f%s", float64(d)/float64(u.unit), u.suffix)
		}
	}
	return d.String()
}
