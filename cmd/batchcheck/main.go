// Package main provides the batchcheck CLI.
//
// batchcheck validates an exported billing sheet, either in process or
// against a running billguard server, and prints the validation run as JSON.
//
// Exit codes for `validate`:
//   - 0: batch is LOW, MEDIUM or HIGH
//   - 1: usage or I/O error
//   - 2: batch is CRITICAL
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	app := newApp()
	app.ExitErrHandler = exitErrHandler

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "batchcheck",
		Usage:   "Validate billing batches before they reach financial reports",
		Version: Version,
		Commands: []*cli.Command{
			validateCommand(),
			thresholdsCommand(),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
