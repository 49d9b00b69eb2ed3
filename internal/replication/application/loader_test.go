package application

import (
	"context"
	"errors"
	"testing"
	"time"

	reading "pluviosync/internal/reading/domain"
	replication "pluviosync/internal/replication/domain"
)

func loaderRows(n int) []reading.Reading {
	brt := time.FixedZone("", -3*3600)
	base := time.Date(2020, time.March, 1, 0, 0, 0, 0, brt)
	rows := make([]reading.Reading, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, mkRow(base.Add(time.Duration(i)*15*time.Minute), 1, int64(100+i), fv(float64(i))))
	}
	return rows
}

func TestLoadSplitsIntoBatches(t *testing.T) {
	dest := newFakeDestination("replica")
	loader, err := NewBatchLoader(dest, testPoll(), nil, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	rows := loaderRows(5)
	applied, committed, err := loader.Load(context.Background(), rows)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if applied != 5 {
		t.Errorf("applied %d, want 5", applied)
	}
	want := []int{2, 2, 1}
	if len(dest.batchSizes) != len(want) {
		t.Fatalf("batch sizes %v, want %v", dest.batchSizes, want)
	}
	for i, n := range want {
		if dest.batchSizes[i] != n {
			t.Errorf("batch %d size %d, want %d", i, dest.batchSizes[i], n)
		}
	}
	if !committed.Equal(rows[4].Instant) {
		t.Errorf("committed %s, want %s", committed, rows[4].Instant)
	}
	if !dest.watermark.Equal(rows[4].Instant) {
		t.Errorf("watermark %s, want %s", dest.watermark, rows[4].Instant)
	}
}

func TestLoadStopsAtFailedBatch(t *testing.T) {
	dest := newFakeDestination("replica")
	dest.failFromCall = 2 // second batch and everything after fail transiently
	loader, err := NewBatchLoader(dest, testPoll(), nil, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	rows := loaderRows(6)
	applied, committed, err := loader.Load(context.Background(), rows)
	if err == nil {
		t.Fatal("load succeeded despite failing batch")
	}
	if applied != 2 {
		t.Errorf("applied %d, want 2", applied)
	}
	// Watermark covers the first batch only; nothing past the failure.
	if !committed.Equal(rows[1].Instant) {
		t.Errorf("committed %s, want %s", committed, rows[1].Instant)
	}
	if !dest.watermark.Equal(rows[1].Instant) {
		t.Errorf("watermark %s, want %s", dest.watermark, rows[1].Instant)
	}
}

func TestLoadRetriesTransientErrors(t *testing.T) {
	dest := newFakeDestination("replica")
	dest.failNext = 2 // two transient failures, then success
	loader, err := NewBatchLoader(dest, testPoll(), nil, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	rows := loaderRows(2)
	applied, _, err := loader.Load(context.Background(), rows)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied %d, want 2", applied)
	}
	if dest.upsertCalls != 3 {
		t.Errorf("upsert called %d times, want 3", dest.upsertCalls)
	}
}

func TestLoadDoesNotRetryFatalErrors(t *testing.T) {
	dest := newFakeDestination("replica")
	dest.fatalErr = errors.New("null value in column dia")
	loader, err := NewBatchLoader(dest, testPoll(), nil, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	if _, _, err := loader.Load(context.Background(), loaderRows(1)); err == nil {
		t.Fatal("load succeeded despite fatal error")
	}
	if dest.upsertCalls != 1 {
		t.Errorf("upsert called %d times, want 1", dest.upsertCalls)
	}
}

func TestLoadRejectsDuplicateKeys(t *testing.T) {
	dest := newFakeDestination("replica")
	loader, err := NewBatchLoader(dest, testPoll(), nil, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}

	rows := loaderRows(1)
	rows = append(rows, rows[0])
	_, _, err = loader.Load(context.Background(), rows)
	if !replication.IsInvariant(err) {
		t.Fatalf("got %v, want invariant violation", err)
	}
	if dest.upsertCalls != 0 {
		t.Errorf("destination written despite duplicate keys")
	}
}

func TestLoadEmpty(t *testing.T) {
	dest := newFakeDestination("replica")
	loader, err := NewBatchLoader(dest, testPoll(), nil, nil)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	applied, committed, err := loader.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if applied != 0 || !committed.IsZero() {
		t.Errorf("applied=%d committed=%s, want 0 and zero time", applied, committed)
	}
}
