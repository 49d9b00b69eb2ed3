package reading

import (
	"fmt"
	"time"
)

// Reading is one rain-gauge measurement snapshot replicated between stores.
// Identity at every destination: (Instant, StationID).
type Reading struct {
	// Instant is the physical moment of measurement. Its location carries the
	// fixed UTC offset taken from CivilText, never a DST calendar.
	Instant time.Time

	// CivilText is the local-time string exactly as the source rendered it,
	// e.g. "2009-02-16 02:12:20.000 -0300". Kept verbatim so the originally
	// recorded offset survives UTC-only storage.
	CivilText string

	StationID   int64
	StationName string

	// Rolling accumulations over the source windows. All nullable.
	M05 *float64
	M10 *float64
	M15 *float64
	H01 *float64
	H04 *float64
	H24 *float64
	H96 *float64

	// SourceRowID is the source's monotonically increasing row id. Used only
	// to break (Instant, StationID) ties in favor of the latest correction.
	SourceRowID int64
}

// Key identifies the destination row a reading maps onto.
type Key struct {
	InstantUnixNano int64
	StationID       int64
}

// Key returns the (instant, station) identity of the reading.
func (r Reading) Key() Key {
	return Key{InstantUnixNano: r.Instant.UnixNano(), StationID: r.StationID}
}

// Validate reports whether the reading satisfies the data model.
func (r Reading) Validate() error {
	if r.Instant.IsZero() {
		return fmt.Errorf("reading: zero instant (station=%d row=%d)", r.StationID, r.SourceRowID)
	}
	if r.StationID <= 0 {
		return fmt.Errorf("reading: invalid station id %d (row=%d)", r.StationID, r.SourceRowID)
	}
	if r.SourceRowID <= 0 {
		return fmt.Errorf("reading: invalid source row id %d (station=%d)", r.SourceRowID, r.StationID)
	}
	if r.CivilText == "" {
		return fmt.Errorf("reading: empty civil text (station=%d row=%d)", r.StationID, r.SourceRowID)
	}
	return nil
}
