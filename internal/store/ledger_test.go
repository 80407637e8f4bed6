package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLedgerRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	ledger, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer ledger.Close()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, result := range []string{"fail", "pass", "pass"} {
		err := ledger.Record(Entry{
			SessionID:    string(rune('a' + i)),
			Command:      "pytest -q",
			Result:       result,
			AttemptsUsed: i,
			BundleDir:    "/tmp/bundle",
			StartedAt:    base.Add(time.Duration(i) * time.Hour),
			EndedAt:      base.Add(time.Duration(i)*time.Hour + time.Minute),
			DurationMS:   60000,
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := ledger.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].SessionID != "c" || entries[1].SessionID != "b" {
		t.Errorf("not newest-first: %s, %s", entries[0].SessionID, entries[1].SessionID)
	}
	if entries[0].Result != "pass" || entries[0].AttemptsUsed != 2 {
		t.Errorf("entry = %+v", entries[0])
	}
	if !entries[0].StartedAt.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("started_at = %v", entries[0].StartedAt)
	}
}

func TestLedgerReplaceOnSameID(t *testing.T) {
	ledger, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	now := time.Now()
	e := Entry{SessionID: "s", Command: "c", Result: "fail", StartedAt: now, EndedAt: now}
	if err := ledger.Record(e); err != nil {
		t.Fatal(err)
	}
	e.Result = "pass"
	if err := ledger.Record(e); err != nil {
		t.Fatal(err)
	}
	entries, err := ledger.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Result != "pass" {
		t.Errorf("entries = %+v", entries)
	}
}
