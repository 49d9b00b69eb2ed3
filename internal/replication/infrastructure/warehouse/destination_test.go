package warehouse

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/api/googleapi"

	reading "pluviosync/internal/reading/domain"
	replication "pluviosync/internal/replication/domain"
)

func pf(v float64) *float64 { return &v }

func TestRowJSON(t *testing.T) {
	instant := time.Date(2009, time.February, 17, 19, 57, 20, 0, time.FixedZone("", -3*3600))
	row := rowJSON(reading.Reading{
		Instant:     instant,
		CivilText:   "2009-02-17 19:57:20.000 -0300",
		StationID:   14,
		StationName: "Tijuca",
		M15:         pf(0.2),
		H24:         pf(9.4),
	})

	if got := row["dia"]; got != "2009-02-17T22:57:20.000000Z" {
		t.Errorf("dia = %v, want UTC-normalized instant", got)
	}
	if got := row["dia_original"]; got != "2009-02-17 19:57:20.000 -0300" {
		t.Errorf("dia_original = %v, want verbatim civil text", got)
	}
	if got := row["utc_offset"]; got != "-0300" {
		t.Errorf("utc_offset = %v, want -0300", got)
	}
	if got := row["estacao"]; got != "Tijuca" {
		t.Errorf("estacao = %v", got)
	}
	if got := row["estacao_id"]; got != int64(14) {
		t.Errorf("estacao_id = %v (%T)", got, got)
	}
	if got := row["h24"]; got != 9.4 {
		t.Errorf("h24 = %v", got)
	}
	if got := row["m15"]; got != 0.2 {
		t.Errorf("m15 = %v", got)
	}
	// Nil measurements are omitted so the load job writes NULL.
	for _, key := range []string{"m05", "m10", "h01", "h04", "h96"} {
		if _, ok := row[key]; ok {
			t.Errorf("%s present for nil measurement", key)
		}
	}
}

func TestRowJSONKeepsFallBackRowsDistinct(t *testing.T) {
	first := rowJSON(reading.Reading{
		Instant:   time.Date(2009, time.February, 21, 23, 30, 0, 0, time.FixedZone("", -2*3600)),
		CivilText: "2009-02-21 23:30:00.000 -0200",
		StationID: 14,
	})
	second := rowJSON(reading.Reading{
		Instant:   time.Date(2009, time.February, 21, 23, 30, 0, 0, time.FixedZone("", -3*3600)),
		CivilText: "2009-02-21 23:30:00.000 -0300",
		StationID: 14,
	})
	if first["dia"] == second["dia"] {
		t.Errorf("fall-back duplicates collapsed to one merge key: %v", first["dia"])
	}
	if first["utc_offset"] != "-0200" || second["utc_offset"] != "-0300" {
		t.Errorf("offsets %v / %v, want -0200 / -0300", first["utc_offset"], second["utc_offset"])
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limited", &googleapi.Error{Code: 429}, true},
		{"server error", &googleapi.Error{Code: 500}, true},
		{"unavailable", &googleapi.Error{Code: 503}, true},
		{"not found", &googleapi.Error{Code: 404}, false},
		{"bad request", &googleapi.Error{Code: 400}, false},
		{"plain error", errors.New("schema mismatch"), false},
		{"wrapped server error", fmt.Errorf("merge: %w", &googleapi.Error{Code: 502}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if replication.IsTransient(got) != tc.transient {
				t.Errorf("transient = %t, want %t", replication.IsTransient(got), tc.transient)
			}
		})
	}
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
}
