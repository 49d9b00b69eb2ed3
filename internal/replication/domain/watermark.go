package replication

import "time"

// WatermarkFloor is the instant a destination's watermark starts from before
// any data has been synced. Predates the oldest reading in the source.
var WatermarkFloor = time.Date(1997, time.January, 1, 0, 0, 0, 0, time.UTC)

// Watermark is the durable progress marker for one (source, destination)
// pair: the greatest instant fully applied to that destination.
type Watermark struct {
	Destination string
	LastSynced  time.Time
}

// WindowStart computes the lower bound of a poll's source query. The
// look-back margin re-reads a slice of already-synced instants so that late
// correction rows (a larger source id for an old instant) overwrite the
// previously-synced canonical row. The result never drops below the floor.
func (w Watermark) WindowStart(lookback time.Duration) time.Time {
	start := w.LastSynced.Add(-lookback)
	if start.Before(WatermarkFloor) {
		return WatermarkFloor
	}
	return start
}
