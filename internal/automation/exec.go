package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/rpa-oracle/internal/model"
)

// maxStderr caps how much child stderr is carried into errors.
const maxStderr = 2048

// Exec runs an external program per work item. The item is written to its
// stdin as JSON; the exit code decides the outcome.
type Exec struct {
	Command           []string
	KeepAliveCommand  []string
	Timeout           time.Duration
	AttentionExitCode int
	Dir               string
}

// NewExec builds an Exec from config.
func NewExec(cfg model.AutomationConfig, dir string) (*Exec, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("automation.command is required")
	}
	return &Exec{
		Command:           cfg.Command,
		KeepAliveCommand:  cfg.KeepAliveCommand,
		Timeout:           cfg.Timeout.Duration,
		AttentionExitCode: cfg.AttentionExitCode,
		Dir:               dir,
	}, nil
}

type execInput struct {
	ID      string            `json:"id"`
	Address int               `json:"address"`
	Fields  map[string]string `json:"fields"`
}

// Execute maps exit 0 to success, AttentionExitCode to needs-attention and
// any other exit to failed. A run killed by the timeout or by a signal may
// have been partway through, so it is reported as needs-attention.
func (e *Exec) Execute(ctx context.Context, item model.WorkItem) (Outcome, error) {
	input, err := json.Marshal(execInput{ID: item.ID, Address: item.Address, Fields: item.Fields})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("marshal item: %w", err)
	}

	res, err := e.run(ctx, e.Command, input)
	switch {
	case res.timedOut:
		return OutcomeNeedsAttention, fmt.Errorf("automation timed out after %s: %s", e.Timeout, res.stderr)
	case res.signal != "":
		return OutcomeNeedsAttention, fmt.Errorf("automation killed by signal (%s): %s", res.signal, res.stderr)
	case err != nil:
		return OutcomeFailed, err
	case res.code == 0:
		return OutcomeSuccess, nil
	case e.AttentionExitCode != 0 && res.code == e.AttentionExitCode:
		return OutcomeNeedsAttention, fmt.Errorf("automation reported attention (exit %d): %s", res.code, res.stderr)
	default:
		return OutcomeFailed, fmt.Errorf("automation failed (exit %d): %s", res.code, res.stderr)
	}
}

// KeepAlive runs KeepAliveCommand if one is configured.
func (e *Exec) KeepAlive(ctx context.Context) error {
	if len(e.KeepAliveCommand) == 0 {
		return nil
	}
	res, err := e.run(ctx, e.KeepAliveCommand, nil)
	if err != nil {
		return err
	}
	if res.timedOut || res.signal != "" || res.code != 0 {
		return fmt.Errorf("keepalive failed (exit %d): %s", res.code, res.stderr)
	}
	return nil
}

// runResult describes how a child process ended.
type runResult struct {
	code     int
	stderr   string
	timedOut bool
	signal   string // set when the child was killed by a signal
}

// run starts argv and waits for it. err is set only when the program could
// not be started.
func (e *Exec) run(ctx context.Context, argv []string, stdin []byte) (runResult, error) {
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.Dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Grandchildren holding stderr open must not stall Wait after a kill.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > maxStderr {
		msg = msg[len(msg)-maxStderr:]
	}

	res := runResult{stderr: msg}
	if runCtx.Err() == context.DeadlineExceeded {
		res.code, res.timedOut = -1, true
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.signal = ws.Signal().String()
		}
		return res, nil
	}
	if err != nil {
		res.code = -1
		return res, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return res, nil
}

var (
	_ Automation = (*Exec)(nil)
	_ KeepAliver = (*Exec)(nil)
)
