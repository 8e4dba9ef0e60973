package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/ingest"
	"github.com/opensource-finance/billguard/internal/pipeline"
	"github.com/opensource-finance/billguard/internal/rules"
)

// exitCritical is returned by validate for a CRITICAL batch.
const exitCritical = 2

// localTenant labels runs validated in process.
const localTenant = "local"

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Validate a CSV batch and print the run",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "CSV export with one line item per row",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "single-week",
				Usage: "Batch covers exactly one billing week",
			},
			&cli.StringFlag{
				Name:  "week-ending",
				Usage: "Week-ending label carried into the report",
			},
			&cli.StringFlag{
				Name:  "batch-id",
				Usage: "Batch identifier (defaults to the run id)",
			},
			&cli.StringFlag{
				Name:  "thresholds",
				Usage: "YAML thresholds file for local validation",
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Validate against a billguard server at this base URL",
				EnvVars: []string{"BILLGUARD_SERVER"},
			},
			&cli.StringFlag{
				Name:    "tenant",
				Usage:   "Tenant ID sent to the server",
				EnvVars: []string{"BILLGUARD_TENANT"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Server request timeout",
				Value: 30 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log each rule to stderr",
			},
		},
		Action: validateAction,
	}
}

func validateAction(c *cli.Context) error {
	records, err := ingest.ReadFile(c.String("file"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	batch := &domain.Batch{
		BatchID: c.String("batch-id"),
		Context: domain.ValidationContext{
			IsSingleWeek:    c.Bool("single-week"),
			WeekEndingLabel: c.String("week-ending"),
		},
		Records: records,
	}

	var run *domain.ValidationRun
	if server := c.String("server"); server != "" {
		if c.IsSet("thresholds") {
			return cli.Exit("--thresholds applies to local validation only; the server uses the tenant's thresholds", 1)
		}
		run, err = validateRemote(c.Context, server, c.String("tenant"), c.Duration("timeout"), batch)
	} else {
		run, err = validateLocal(c, batch)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}

	if run.Decision.Tier == domain.TierCritical {
		return cli.Exit(fmt.Sprintf("batch is CRITICAL (risk score %.0f, %d critical violations)",
			run.Report.RiskScore, len(run.Report.CriticalViolations)), exitCritical)
	}
	return nil
}

func validateLocal(c *cli.Context, batch *domain.Batch) (*domain.ValidationRun, error) {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))

	t := domain.DefaultThresholds()
	if path := c.String("thresholds"); path != "" {
		var err error
		if t, err = domain.LoadThresholds(path); err != nil {
			return nil, err
		}
	}

	manager, err := rules.NewManager(nil, t, logger, rules.WithObserver(rules.NewLogObserver(logger)))
	if err != nil {
		return nil, err
	}
	svc, err := pipeline.New(pipeline.Deps{Manager: manager, Logger: logger})
	if err != nil {
		return nil, err
	}
	return svc.Run(c.Context, localTenant, batch)
}

func validateRemote(ctx context.Context, server, tenant string, timeout time.Duration, batch *domain.Batch) (*domain.ValidationRun, error) {
	if tenant == "" {
		return nil, fmt.Errorf("--tenant is required with --server")
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := strings.TrimRight(server, "/") + "/validate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenant)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	var run domain.ValidationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

func thresholdsCommand() *cli.Command {
	return &cli.Command{
		Name:  "thresholds",
		Usage: "Print the default thresholds as YAML, ready to edit",
		Action: func(c *cli.Context) error {
			enc := yaml.NewEncoder(c.App.Writer)
			defer enc.Close()
			return enc.Encode(domain.DefaultThresholds())
		},
	}
}
