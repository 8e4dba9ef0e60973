package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadCSV(t *testing.T) {
	t.Run("AliasesAndExtensions", func(t *testing.T) {
		sheet := "\ufeffWork Request #,Units Total Price,Qty,CU,Foreman,Customer,Job #,Pole #,Snapshot Date,Week Ending,Crew\n" +
			"WR-1,\"$1,250.00\",2,U1,Alice,Acme,J1,P-9,2025-08-12,08/17/2025,North\n" +
			",,,,,,,,,,\n" +
			"WR-2,$10,1,U2,Bob,Acme,J2,,2025-08-13,08/17/2025,\n"

		records, err := ReadCSV(strings.NewReader(sheet))
		if err != nil {
			t.Fatalf("ReadCSV failed: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected 2 records (blank line skipped), got %d", len(records))
		}

		r := records[0]
		if r.WorkRequestID != "WR-1" || r.TotalPrice != "$1,250.00" || r.Quantity != "2" || r.UnitCode != "U1" {
			t.Errorf("unexpected core fields: %+v", r)
		}
		if r.JobNumber != "J1" || r.PoleID != "P-9" || r.SnapshotDate != "2025-08-12" || r.WeekReferenceDate != "08/17/2025" {
			t.Errorf("unexpected secondary fields: %+v", r)
		}
		if r.Extensions["Crew"] != "North" {
			t.Errorf("expected Crew extension, got %v", r.Extensions)
		}
		if records[1].Extensions != nil {
			t.Errorf("expected no extensions for an empty cell, got %v", records[1].Extensions)
		}
	})

	t.Run("RaggedRows", func(t *testing.T) {
		records, err := ReadCSV(strings.NewReader("wr,price,foreman\nWR-1,5\nWR-2,6,Carol,extra\n"))
		if err != nil {
			t.Fatalf("ReadCSV failed: %v", err)
		}
		if len(records) != 2 || records[0].Foreman != "" || records[1].Foreman != "Carol" {
			t.Errorf("unexpected records: %+v", records)
		}
	})

	t.Run("MissingRequiredColumn", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader("foreman,qty\nAlice,1\n"))
		if !errors.Is(err, ErrMissingColumn) {
			t.Errorf("expected ErrMissingColumn, got %v", err)
		}
	})

	t.Run("EmptyInput", func(t *testing.T) {
		if _, err := ReadCSV(strings.NewReader("")); err == nil {
			t.Error("expected error for empty input")
		}
	})
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.csv")
	if err := os.WriteFile(path, []byte("work_request_id,total_price\nWR-1,100\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	records, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(records) != 1 || records[0].TotalPrice != "100" {
		t.Errorf("unexpected records: %+v", records)
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}
