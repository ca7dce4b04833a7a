package command

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Result is the outcome of one external process. Err carries the process
// error for diagnostics only; callers branch on OK.
type Result struct {
	OK     bool
	Output string
	Err    error
}

func (r Result) Error() error {
	if r.OK {
		return nil
	}
	if r.Output != "" {
		return fmt.Errorf("%w: %s", r.Err, r.Output)
	}
	return r.Err
}

type Runner interface {
	Run(ctx context.Context, argv ...string) Result
}

type Exec struct{}

func (Exec) Run(ctx context.Context, argv ...string) Result {
	if len(argv) == 0 {
		return Result{Err: fmt.Errorf("empty command")}
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		slog.Debug("Command failed", "command", strings.Join(argv, " "), "error", err, "output", output)
		return Result{Err: err, Output: output}
	}

	return Result{OK: true}
}
