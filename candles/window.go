package candles

import "time"

// WindowStart truncates ts to the start of its resolution-minute window within the hour.
// Resolutions are expected to divide 60.
func WindowStart(ts time.Time, resolution int) time.Time {
	minute := (ts.Minute() / resolution) * resolution
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), minute, 0, 0, ts.Location())
}

// WindowEnd returns the last second that still belongs to the window containing ts.
func WindowEnd(ts time.Time, resolution int) time.Time {
	return WindowStart(ts, resolution).Add(time.Duration(resolution)*time.Minute - time.Second)
}
