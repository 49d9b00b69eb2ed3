package reading

import (
	"fmt"
	"sort"
)

// SelectCanonical reduces raw source rows to exactly one reading per
// (instant, station) pair: the row with the largest SourceRowID. The source
// corrects measurements by inserting a new row for the same pair, so the
// largest id is the current truth. Input order is irrelevant; output is
// sorted by instant, then station, so repeated runs batch identically.
func SelectCanonical(rows []Reading) []Reading {
	if len(rows) == 0 {
		return nil
	}

	byKey := make(map[Key]Reading, len(rows))
	for _, row := range rows {
		best, ok := byKey[row.Key()]
		if !ok || row.SourceRowID > best.SourceRowID {
			byKey[row.Key()] = row
		}
	}

	canonical := make([]Reading, 0, len(byKey))
	for _, row := range byKey {
		canonical = append(canonical, row)
	}
	sort.Slice(canonical, func(i, j int) bool {
		if !canonical[i].Instant.Equal(canonical[j].Instant) {
			return canonical[i].Instant.Before(canonical[j].Instant)
		}
		return canonical[i].StationID < canonical[j].StationID
	})
	return canonical
}

// VerifyUnique checks that no two readings share a (instant, station) pair.
// A duplicate after canonical selection means the selection logic is broken
// and must surface loudly instead of corrupting a destination.
func VerifyUnique(rows []Reading) error {
	seen := make(map[Key]int64, len(rows))
	for _, row := range rows {
		if prev, ok := seen[row.Key()]; ok {
			return fmt.Errorf("reading: duplicate canonical row for station=%d instant=%s (rows %d and %d)",
				row.StationID, row.Instant.Format("2006-01-02 15:04:05 -0700"), prev, row.SourceRowID)
		}
		seen[row.Key()] = row.SourceRowID
	}
	return nil
}
