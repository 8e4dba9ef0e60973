package domain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Thresholds)
		valid  bool
	}{
		{"defaults", func(*Thresholds) {}, true},
		{"negative batch amount", func(th *Thresholds) { th.MaxBatchAmount = decimal.NewFromInt(-1) }, false},
		{"floor above ceiling", func(th *Thresholds) { th.UnitPriceFloor = decimal.NewFromInt(60_000) }, false},
		{"zero line items", func(th *Thresholds) { th.MaxLineItemsPerWorkRequest = 0 }, false},
		{"zero weekend limit", func(th *Thresholds) { th.WeekendRecordLimit = 0 }, true},
		{"ratio zero", func(th *Thresholds) { th.RoundNumberRatio = 0 }, false},
		{"ratio one", func(th *Thresholds) { th.RoundNumberRatio = 1 }, true},
		{"ratio above one", func(th *Thresholds) { th.RoundNumberRatio = 1.5 }, false},
		{"warning above critical", func(th *Thresholds) { th.ForemanWarningShare = 70 }, false},
		{"critical above hundred", func(th *Thresholds) { th.ForemanCriticalShare = 120 }, false},
		{"warning equals critical", func(th *Thresholds) { th.ForemanWarningShare = 60 }, true},
		{"zero multiplier", func(th *Thresholds) { th.WorkloadMultiplier = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, ErrInvalidThresholds) {
				t.Errorf("expected ErrInvalidThresholds, got %v", err)
			}
		})
	}
}

func TestLoadThresholds(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	t.Run("PartialFileKeepsDefaults", func(t *testing.T) {
		path := write("partial.yaml", "max_batch_amount: 5000\nunit_price_floor: \"0.75\"\nforeman_warning_share: 45\n")
		th, err := LoadThresholds(path)
		if err != nil {
			t.Fatalf("LoadThresholds failed: %v", err)
		}

		def := DefaultThresholds()
		if !th.MaxBatchAmount.Equal(decimal.NewFromInt(5000)) {
			t.Errorf("expected max batch 5000, got %s", th.MaxBatchAmount)
		}
		if !th.UnitPriceFloor.Equal(decimal.RequireFromString("0.75")) {
			t.Errorf("expected floor 0.75, got %s", th.UnitPriceFloor)
		}
		if th.ForemanWarningShare != 45 {
			t.Errorf("expected warning share 45, got %v", th.ForemanWarningShare)
		}
		if !th.MaxWorkRequestAmount.Equal(def.MaxWorkRequestAmount) {
			t.Errorf("expected default work request amount, got %s", th.MaxWorkRequestAmount)
		}
		if th.UnknownForeman != def.UnknownForeman {
			t.Errorf("expected unknown foreman %q, got %q", def.UnknownForeman, th.UnknownForeman)
		}
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := write("invalid.yaml", "round_number_ratio: 2\n")
		if _, err := LoadThresholds(path); !errors.Is(err, ErrInvalidThresholds) {
			t.Errorf("expected ErrInvalidThresholds, got %v", err)
		}
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := write("bad.yaml", "max_batch_amount: [1, 2\n")
		if _, err := LoadThresholds(path); err == nil {
			t.Error("expected parse error")
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		if _, err := LoadThresholds(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
