package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/opensource-finance/billguard/internal/domain"
)

func writeCSV(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.csv")
	content := "Work Request #,Units Total Price,Qty,CU,Foreman,Customer,Snapshot Date\n" + strings.Join(rows, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &errOut
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"batchcheck"}, args...))
	return out.String(), err
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return 1
	}
	return 0
}

func TestValidateLocal(t *testing.T) {
	t.Run("CleanBatch", func(t *testing.T) {
		path := writeCSV(t, "WR1,$101.25,1,U1,Unknown,Acme,2025-08-12")
		out, err := runApp(t, "validate", "--file", path, "--week-ending", "081725", "--batch-id", "wk33")
		if err != nil {
			t.Fatalf("validate failed: %v", err)
		}

		var run domain.ValidationRun
		if err := json.Unmarshal([]byte(out), &run); err != nil {
			t.Fatalf("output is not a run: %v\n%s", err, out)
		}
		if run.Decision.Tier != domain.TierLow || run.BatchID != "wk33" || run.WeekEndingLabel != "081725" {
			t.Errorf("unexpected run: %+v", run)
		}
	})

	t.Run("CriticalBatchExitsTwo", func(t *testing.T) {
		path := writeCSV(t,
			"WR1,-1,1,U1,Alice,Acme,2025-08-12",
			"WR2,-2,1,U1,Alice,Acme,2025-08-12",
			"WR3,-3,1,U1,Alice,Acme,2025-08-12",
		)
		_, err := runApp(t, "validate", "--file", path)
		if code := exitCode(err); code != exitCritical {
			t.Errorf("expected exit %d, got %d (%v)", exitCritical, code, err)
		}
	})

	t.Run("ThresholdsFile", func(t *testing.T) {
		tpath := filepath.Join(t.TempDir(), "t.yaml")
		if err := os.WriteFile(tpath, []byte("max_batch_amount: 50\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		path := writeCSV(t, "WR1,101.25,1,U1,Unknown,Acme,2025-08-12")

		out, err := runApp(t, "validate", "--file", path, "--thresholds", tpath)
		if err != nil {
			t.Fatalf("validate failed: %v", err)
		}
		var run domain.ValidationRun
		json.Unmarshal([]byte(out), &run)
		if run.Report.IsValid {
			t.Error("expected the lowered batch ceiling to flag the batch")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := runApp(t, "validate", "--file", filepath.Join(t.TempDir(), "nope.csv"))
		if code := exitCode(err); code != 1 {
			t.Errorf("expected exit 1, got %d", code)
		}
	})
}

func TestValidateRemote(t *testing.T) {
	var gotTenant string
	var gotBatch domain.Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = r.Header.Get("X-Tenant-ID")
		json.NewDecoder(r.Body).Decode(&gotBatch)
		json.NewEncoder(w).Encode(domain.ValidationRun{
			ID:       "run-1",
			TenantID: gotTenant,
			Decision: domain.EscalationDecision{Tier: domain.TierCritical, RequiresImmediateAlert: true},
		})
	}))
	defer srv.Close()

	path := writeCSV(t, "WR1,100,1,U1,Alice,Acme,2025-08-12")

	t.Run("PostsBatch", func(t *testing.T) {
		out, err := runApp(t, "validate", "--file", path, "--server", srv.URL, "--tenant", "acme", "--single-week")
		if code := exitCode(err); code != exitCritical {
			t.Errorf("expected exit %d from a CRITICAL server run, got %d", exitCritical, code)
		}
		if gotTenant != "acme" || len(gotBatch.Records) != 1 || !gotBatch.Context.IsSingleWeek {
			t.Errorf("server saw tenant %q batch %+v", gotTenant, gotBatch)
		}
		if !strings.Contains(out, `"run-1"`) {
			t.Errorf("expected the server run in output, got %s", out)
		}
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		_, err := runApp(t, "validate", "--file", path, "--server", srv.URL)
		if code := exitCode(err); code != 1 {
			t.Errorf("expected exit 1, got %d", code)
		}
	})
}

func TestThresholdsCommand(t *testing.T) {
	out, err := runApp(t, "thresholds")
	if err != nil {
		t.Fatalf("thresholds failed: %v", err)
	}
	for _, key := range []string{"max_batch_amount", "foreman_critical_share", "round_number_min_sample"} {
		if !strings.Contains(out, key) {
			t.Errorf("expected %s in output", key)
		}
	}

	path := filepath.Join(t.TempDir(), "t.yaml")
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := domain.LoadThresholds(path)
	if err != nil {
		t.Fatalf("printed thresholds do not load back: %v", err)
	}
	if !loaded.MaxBatchAmount.Equal(domain.DefaultThresholds().MaxBatchAmount) {
		t.Errorf("round trip changed max_batch_amount to %s", loaded.MaxBatchAmount)
	}
}
