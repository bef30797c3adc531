package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Desktop raises a notification on the machine the bot runs on, via
// osascript on macOS and notify-send elsewhere.
type Desktop struct {
	Title string
}

func (d Desktop) Send(ctx context.Context, msg Message) error {
	title := d.Title
	if title == "" {
		title = "rpa-oracle"
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(msg.String()), escapeAppleScript(title),
		)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	} else {
		cmd = exec.CommandContext(ctx, "notify-send", title, msg.String())
	}

	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

var _ Notifier = Desktop{}
