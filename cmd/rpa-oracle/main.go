// Package main provides the rpa-oracle CLI entrypoint.
//
// Usage:
//
//	rpa-oracle [--dir <dir>] <command> [options]
//
// "run" hosts the daemon in the foreground. Every other command either
// works on files in the working directory or talks to a running daemon over
// its control socket.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "rpa-oracle",
		Usage:          "Exactly-once RPA processing of a spreadsheet work queue",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"C"},
				Usage:   "working directory holding " + configName + " (default: search upwards from cwd)",
				EnvVars: []string{"RPA_DIR"},
			},
		},
		Commands: []*cli.Command{
			setupCommand(),
			runCommand(),
			statusCommand(),
			pendingCommand(),
			stopCommand(),
			exportCommand(),
			versionCommand(),
		},
	}
}

// exitErrHandler keeps the exit code of cli.Exit errors and maps anything
// else to 1.
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
