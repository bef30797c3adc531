package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/msageha/rpa-oracle/internal/daemon"
	"github.com/msageha/rpa-oracle/internal/lock"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/setup"
	"github.com/msageha/rpa-oracle/internal/status"
	"github.com/msageha/rpa-oracle/internal/uds"
)

const configName = model.ConfigFileName

// Exit codes.
const (
	exitError      = 1
	exitNotRunning = 2
	exitLocked     = 3
)

func setupCommand() *cli.Command {
	return &cli.Command{
		Name:      "setup",
		Usage:     "Create " + configName + ", an empty queue sheet and the runtime directories",
		ArgsUsage: "[dir]",
		Action: func(c *cli.Context) error {
			dir := c.Args().First()
			if dir == "" {
				dir = c.String("dir")
			}
			if dir == "" {
				dir = "."
			}
			if err := setup.Run(dir); err != nil {
				return cli.Exit(fmt.Sprintf("setup: %v", err), exitError)
			}
			abs, _ := filepath.Abs(dir)
			fmt.Fprintf(c.App.Writer, "Initialized %s in %s\n", configName, abs)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run the daemon in the foreground until stopped or signalled",
		Action: func(c *cli.Context) error {
			dir, cfg, err := loadWorkDir(c)
			if err != nil {
				return err
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("create daemon: %v", err), exitError)
			}
			if err := d.Run(c.Context); err != nil {
				if errors.Is(err, lock.ErrLocked) {
					return cli.Exit(fmt.Sprintf("daemon: %v", err), exitLocked)
				}
				return cli.Exit(fmt.Sprintf("daemon: %v", err), exitError)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show daemon state and cache entries awaiting write-back",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			dir, cfg, err := loadWorkDir(c)
			if err != nil {
				return err
			}
			return status.Run(c.App.Writer, dir, cfg, c.Bool("json"))
		},
	}
}

func pendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "pending",
		Usage: "List cache entries awaiting write-back",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			dir, cfg, err := loadWorkDir(c)
			if err != nil {
				return err
			}
			r := status.Collect(dir, cfg)
			if r.CacheErr != "" {
				return cli.Exit(fmt.Sprintf("read cache %s: %s", r.CacheFile, r.CacheErr), exitError)
			}
			if c.Bool("json") {
				return writeJSON(c, r.Pending)
			}
			status.PrintPending(c.App.Writer, r.Pending)
			return nil
		},
	}
}

func stopCommand() *cli.Command {
	return &cli.Command{
		Name:  "stop",
		Usage: "Ask the running daemon to finish the current item and shut down",
		Action: func(c *cli.Context) error {
			dir, err := workDir(c)
			if err != nil {
				return err
			}
			if err := client(dir).Call("stop", nil, nil); err != nil {
				return callError("stop", err)
			}
			fmt.Fprintln(c.App.Writer, "stop requested")
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the rows completed in the current session to the export sheet or a CSV file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "csv",
				Usage: "write a CSV file instead of appending to sheet.export_path",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			dir, err := workDir(c)
			if err != nil {
				return err
			}
			params := daemon.ExportParams{CSV: c.String("csv")}
			if params.CSV != "" && !filepath.IsAbs(params.CSV) {
				// Relative to the caller, not the daemon's working directory.
				abs, err := filepath.Abs(params.CSV)
				if err != nil {
					return cli.Exit(fmt.Sprintf("export: %v", err), exitError)
				}
				params.CSV = abs
			}

			var res model.ExportResult
			if err := client(dir).Call("export", params, &res); err != nil {
				var detail *uds.ErrorDetail
				if errors.As(err, &detail) && detail.Code == uds.ErrCodeEmpty {
					return cli.Exit("export: no rows completed in this session", exitError)
				}
				return callError("export", err)
			}
			if c.Bool("json") {
				return writeJSON(c, res)
			}
			fmt.Fprintf(c.App.Writer, "exported %d rows of session %s to %s\n", res.Rows, res.Session, res.Destination)
			return nil
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "rpa-oracle %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "print JSON"}
}

func writeJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func client(dir string) *uds.Client {
	cl := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	cl.SetTimeout(30 * time.Second)
	return cl
}

// callError separates "daemon not running" from errors the daemon returned.
func callError(command string, err error) error {
	var detail *uds.ErrorDetail
	if errors.As(err, &detail) {
		return cli.Exit(fmt.Sprintf("%s: %s", command, detail.Message), exitError)
	}
	return cli.Exit(fmt.Sprintf("%s: %v", command, err), exitNotRunning)
}

// workDir returns --dir when given, otherwise the nearest directory holding
// the config file, starting at cwd.
func workDir(c *cli.Context) (string, error) {
	if dir := c.String("dir"); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", cli.Exit(err.Error(), exitError)
		}
		return abs, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", cli.Exit(err.Error(), exitError)
	}
	dir := findWorkDir(cwd)
	if dir == "" {
		return "", cli.Exit(fmt.Sprintf("%s not found. Run 'rpa-oracle setup' first.", configName), exitError)
	}
	return dir, nil
}

func loadWorkDir(c *cli.Context) (string, model.Config, error) {
	dir, err := workDir(c)
	if err != nil {
		return "", model.Config{}, err
	}
	cfg, err := model.LoadConfig(filepath.Join(dir, configName))
	if err != nil {
		return "", model.Config{}, cli.Exit(fmt.Sprintf("load config: %v", err), exitError)
	}
	return dir, cfg, nil
}

func findWorkDir(start string) string {
	dir := start
	for {
		if info, err := os.Stat(filepath.Join(dir, configName)); err == nil && !info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
