package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	replication "pluviosync/internal/replication/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		code      string
		transient bool
		invariant bool
	}{
		{"connection failure", "08006", true, false},
		{"serialization failure", "40001", true, false},
		{"deadlock detected", "40P01", true, false},
		{"lock not available", "55P03", true, false},
		{"query canceled", "57014", true, false},
		{"unique violation", "23505", false, true},
		{"not null violation", "23502", false, true},
		{"undefined table", "42P01", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(fmt.Errorf("upsert: %w", &pgconn.PgError{Code: tc.code}))
			if replication.IsTransient(err) != tc.transient {
				t.Errorf("transient = %t, want %t", replication.IsTransient(err), tc.transient)
			}
			if replication.IsInvariant(err) != tc.invariant {
				t.Errorf("invariant = %t, want %t", replication.IsInvariant(err), tc.invariant)
			}
		})
	}
}

func TestClassifyPassthrough(t *testing.T) {
	if classify(nil) != nil {
		t.Error("classify(nil) != nil")
	}
	plain := errors.New("scan failed")
	if got := classify(plain); replication.IsTransient(got) || replication.IsInvariant(got) {
		t.Errorf("plain error classified: %v", got)
	}
}
