package reading

import (
	"errors"
	"testing"
	"time"
)

func TestParseCivilTimeLayouts(t *testing.T) {
	want := time.Date(2025, time.November, 28, 11, 40, 0, 0, time.FixedZone("", -3*3600))
	cases := []string{
		"2025-11-28 11:40:00.000 -0300",
		"2025-11-28 11:40:00 -0300",
		"2025-11-28 11:40:00.000 -03:00",
		"2025-11-28 11:40:00 -03:00",
		"2025-11-28T11:40:00.000-0300",
		"2025-11-28T11:40:00-03:00",
	}
	for _, text := range cases {
		got, err := ParseCivilTime(text)
		if err != nil {
			t.Errorf("%q: %v", text, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("%q: got %s, want %s", text, got, want)
		}
		_, offset := got.Zone()
		if offset != -3*3600 {
			t.Errorf("%q: offset %d, want -10800", text, offset)
		}
	}
}

func TestParseCivilTimeMissingOffset(t *testing.T) {
	for _, text := range []string{
		"2025-11-28 11:40:00",
		"2025-11-28 11:40:00.000",
		"2025-11-28T11:40:00",
	} {
		if _, err := ParseCivilTime(text); !errors.Is(err, ErrMissingOffset) {
			t.Errorf("%q: got %v, want ErrMissingOffset", text, err)
		}
	}
}

// During the fall-back transition the same wall-clock hour occurs under
// -0200 and then again under -0300. The two texts differ only in offset and
// must land exactly one hour apart, summer-time first.
func TestFallBackDuplicatesStayDistinct(t *testing.T) {
	summer, err := ParseCivilTime("2009-02-21 23:30:00.000 -0200")
	if err != nil {
		t.Fatal(err)
	}
	standard, err := ParseCivilTime("2009-02-21 23:30:00.000 -0300")
	if err != nil {
		t.Fatal(err)
	}
	if summer.Equal(standard) {
		t.Fatal("fall-back duplicates collapsed into one instant")
	}
	if got := standard.Sub(summer); got != time.Hour {
		t.Fatalf("duplicates are %s apart, want 1h (standard after summer)", got)
	}
}

func TestCivilTextRoundTrip(t *testing.T) {
	const text = "2009-02-16 02:12:20.000 -0300"
	parsed, err := ParseCivilTime(text)
	if err != nil {
		t.Fatal(err)
	}
	if got := FormatCivilText(parsed); got != text {
		t.Errorf("round trip changed text: got %q, want %q", got, text)
	}
	if got := OffsetText(parsed); got != "-0300" {
		t.Errorf("offset text %q, want -0300", got)
	}
}

func TestNormalizeSetsInstantFromCivilText(t *testing.T) {
	r := Reading{CivilText: "2009-02-16 02:12:20.000 -0300", StationID: 14, SourceRowID: 1}
	got, err := Normalize(r)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2009, time.February, 16, 2, 12, 20, 0, time.FixedZone("", -3*3600))
	if !got.Instant.Equal(want) {
		t.Errorf("instant %s, want %s", got.Instant, want)
	}
	if got.CivilText != r.CivilText {
		t.Errorf("civil text changed: %q", got.CivilText)
	}
}

func TestNormalizeAcceptsMatchingScannedInstant(t *testing.T) {
	// The scanned timestamptz arrives in a different zone representation of
	// the same moment; that is fine as long as the instants agree.
	r := Reading{
		CivilText:   "2009-02-16 02:12:20.000 -0300",
		Instant:     time.Date(2009, time.February, 16, 5, 12, 20, 0, time.UTC),
		StationID:   14,
		SourceRowID: 1,
	}
	got, err := Normalize(r)
	if err != nil {
		t.Fatal(err)
	}
	if _, offset := got.Instant.Zone(); offset != -3*3600 {
		t.Errorf("normalized offset %d, want -10800", offset)
	}
}

func TestParseCivilTimeMicroseconds(t *testing.T) {
	got, err := ParseCivilTime("2009-02-16 02:12:20.123456 -0300")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2009, time.February, 16, 2, 12, 20, 123456000, time.FixedZone("", -3*3600))
	if !got.Equal(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

// A timestamptz carries microseconds while older civil texts render only
// milliseconds. The scanned instant must still be accepted, keeping its full
// precision, or the watermark would stall on the first sub-millisecond row.
func TestNormalizeToleratesCoarserCivilText(t *testing.T) {
	scanned := time.Date(2009, time.February, 16, 2, 12, 20, 123456000, time.FixedZone("", -3*3600))
	r := Reading{
		CivilText:   "2009-02-16 02:12:20.123 -0300",
		Instant:     scanned,
		StationID:   14,
		SourceRowID: 1,
	}
	got, err := Normalize(r)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Instant.Equal(scanned) {
		t.Errorf("instant %s, want scanned %s kept", got.Instant, scanned)
	}
	if got.Instant.Nanosecond() != 123456000 {
		t.Errorf("sub-second precision lost: %d ns", got.Instant.Nanosecond())
	}
	if _, offset := got.Instant.Zone(); offset != -3*3600 {
		t.Errorf("normalized offset %d, want -10800", offset)
	}
}

func TestNormalizeRejectsMismatchBeyondTextResolution(t *testing.T) {
	r := Reading{
		CivilText:   "2009-02-16 02:12:20.123 -0300",
		Instant:     time.Date(2009, time.February, 16, 2, 12, 20, 124456000, time.FixedZone("", -3*3600)),
		StationID:   14,
		SourceRowID: 1,
	}
	if _, err := Normalize(r); !errors.Is(err, ErrInstantMismatch) {
		t.Errorf("got %v, want ErrInstantMismatch", err)
	}
}

func TestNormalizeRejectsMismatchedInstant(t *testing.T) {
	r := Reading{
		CivilText:   "2009-02-16 02:12:20.000 -0300",
		Instant:     time.Date(2009, time.February, 16, 2, 12, 20, 0, time.UTC),
		StationID:   14,
		SourceRowID: 1,
	}
	if _, err := Normalize(r); !errors.Is(err, ErrInstantMismatch) {
		t.Errorf("got %v, want ErrInstantMismatch", err)
	}
}
