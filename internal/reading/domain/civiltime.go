package reading

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CivilTextLayout is the canonical rendering of a source timestamp,
// e.g. "2009-02-16 02:12:20.000 -0300".
const CivilTextLayout = "2006-01-02 15:04:05.000 -0700"

// ErrMissingOffset reports a civil-time string without an explicit UTC
// offset. Such a value is ambiguous across the DST fall-back hour and must
// never be guessed at.
var ErrMissingOffset = errors.New("reading: civil time carries no UTC offset")

// ErrInstantMismatch reports that a reading's civil text and its scanned
// instant disagree, which means offset information was lost upstream.
var ErrInstantMismatch = errors.New("reading: civil text does not match instant")

var offsetSuffix = regexp.MustCompile(`[+-]\d{2}:?\d{2}$`)

// Layouts the source has been observed to emit. The offset is always parsed
// from the text itself; the historical DST calendar is never consulted, so a
// fall-back duplicate recorded under -0200 stays one hour before its -0300
// twin.
var civilLayouts = []string{
	CivilTextLayout,
	"2006-01-02 15:04:05.000000 -0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05.000 -07:00",
	"2006-01-02 15:04:05.000000 -07:00",
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05.000000-07:00",
	"2006-01-02T15:04:05-07:00",
}

// ParseCivilTime converts a source civil-time string into an unambiguous
// instant. The returned time keeps the parsed offset as a fixed zone.
func ParseCivilTime(text string) (time.Time, error) {
	if !offsetSuffix.MatchString(text) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrMissingOffset, text)
	}
	for _, layout := range civilLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("reading: unparseable civil time %q", text)
}

// FormatCivilText renders an instant in the source's canonical text form.
func FormatCivilText(t time.Time) string {
	return t.Format(CivilTextLayout)
}

// OffsetText returns the instant's UTC offset in the compact source form,
// e.g. "-0300". Stored alongside UTC-only columns so the original offset is
// recoverable without reparsing the civil text.
func OffsetText(t time.Time) string {
	return t.Format("-0700")
}

// Normalize parses the reading's civil text and installs the resulting
// instant. When the reading already carries an instant (scanned from the
// source as timestamptz) the two must name the same physical moment at the
// precision the text can express; disagreement beyond that means an offset
// was dropped somewhere and is fatal. The scanned instant keeps its full
// sub-second precision, rezoned to the offset the text recorded.
func Normalize(r Reading) (Reading, error) {
	parsed, err := ParseCivilTime(r.CivilText)
	if err != nil {
		return Reading{}, err
	}
	if r.Instant.IsZero() {
		r.Instant = parsed
		return r, nil
	}
	if !r.Instant.Truncate(civilResolution(r.CivilText)).Equal(parsed) {
		return Reading{}, fmt.Errorf("%w: station=%d row=%d civil=%q scanned=%s",
			ErrInstantMismatch, r.StationID, r.SourceRowID, r.CivilText, r.Instant.UTC().Format(time.RFC3339Nano))
	}
	r.Instant = r.Instant.In(parsed.Location())
	return r, nil
}

// civilResolution reports the finest sub-second unit the civil text can
// express: whole seconds, milliseconds or microseconds.
func civilResolution(text string) time.Duration {
	base := strings.TrimSpace(offsetSuffix.ReplaceAllString(text, ""))
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 {
		return time.Second
	}
	switch len(base) - dot - 1 {
	case 6:
		return time.Microsecond
	case 3:
		return time.Millisecond
	default:
		return time.Second
	}
}
