package reading

import (
	"testing"
	"time"
)

func f(v float64) *float64 { return &v }

func row(instant time.Time, station, sourceRow int64, h24 *float64) Reading {
	return Reading{
		Instant:     instant,
		CivilText:   FormatCivilText(instant),
		StationID:   station,
		StationName: "Rocinha",
		H24:         h24,
		SourceRowID: sourceRow,
	}
}

func TestSelectCanonicalKeepsLargestSourceRow(t *testing.T) {
	brt := time.FixedZone("", -3*3600)
	instant := time.Date(2009, time.February, 17, 19, 57, 20, 0, brt)

	stale := row(instant, 14, 100, f(8.8))
	corrected := row(instant, 14, 105, f(9.4))

	for name, rows := range map[string][]Reading{
		"stale first":     {stale, corrected},
		"corrected first": {corrected, stale},
	} {
		got := SelectCanonical(rows)
		if len(got) != 1 {
			t.Fatalf("%s: got %d rows, want 1", name, len(got))
		}
		if got[0].SourceRowID != 105 {
			t.Errorf("%s: kept source row %d, want 105", name, got[0].SourceRowID)
		}
		if got[0].H24 == nil || *got[0].H24 != 9.4 {
			t.Errorf("%s: kept h24 %v, want 9.4", name, got[0].H24)
		}
	}
}

func TestSelectCanonicalOrderIndependent(t *testing.T) {
	brt := time.FixedZone("", -3*3600)
	t1 := time.Date(2020, time.March, 1, 10, 0, 0, 0, brt)
	t2 := t1.Add(15 * time.Minute)

	a := row(t1, 1, 10, f(1))
	b := row(t1, 1, 12, f(2))
	c := row(t2, 2, 11, f(3))

	perms := [][]Reading{
		{a, b, c}, {a, c, b}, {b, a, c},
		{b, c, a}, {c, a, b}, {c, b, a},
	}
	for i, perm := range perms {
		got := SelectCanonical(perm)
		if len(got) != 2 {
			t.Fatalf("perm %d: got %d rows, want 2", i, len(got))
		}
		if got[0].SourceRowID != 12 || got[1].SourceRowID != 11 {
			t.Errorf("perm %d: got rows (%d, %d), want (12, 11)", i, got[0].SourceRowID, got[1].SourceRowID)
		}
	}
}

func TestSelectCanonicalSortsByInstantThenStation(t *testing.T) {
	brt := time.FixedZone("", -3*3600)
	t1 := time.Date(2020, time.March, 1, 10, 0, 0, 0, brt)
	t2 := t1.Add(5 * time.Minute)

	got := SelectCanonical([]Reading{
		row(t2, 7, 4, nil),
		row(t1, 9, 2, nil),
		row(t1, 3, 3, nil),
	})
	if len(got) != 3 {
		t.Fatalf("got %d rows, want 3", len(got))
	}
	wantStations := []int64{3, 9, 7}
	for i, want := range wantStations {
		if got[i].StationID != want {
			t.Errorf("position %d: station %d, want %d", i, got[i].StationID, want)
		}
	}
}

func TestSelectCanonicalEmpty(t *testing.T) {
	if got := SelectCanonical(nil); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	if got := SelectCanonical([]Reading{}); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestSelectCanonicalSingleRow(t *testing.T) {
	brt := time.FixedZone("", -3*3600)
	only := row(time.Date(2020, time.March, 1, 10, 0, 0, 0, brt), 5, 42, f(0.2))
	got := SelectCanonical([]Reading{only})
	if len(got) != 1 || got[0].SourceRowID != 42 {
		t.Fatalf("got %+v, want the single input row", got)
	}
}

func TestVerifyUnique(t *testing.T) {
	brt := time.FixedZone("", -3*3600)
	t1 := time.Date(2020, time.March, 1, 10, 0, 0, 0, brt)

	if err := VerifyUnique([]Reading{row(t1, 1, 1, nil), row(t1, 2, 2, nil)}); err != nil {
		t.Fatalf("distinct keys rejected: %v", err)
	}
	if err := VerifyUnique([]Reading{row(t1, 1, 1, nil), row(t1, 1, 2, nil)}); err == nil {
		t.Fatal("duplicate key accepted")
	}
}
