package workload

import (
	"context"
	"fmt"
	"log/slog"

	"cvb/internal/command"
	"cvb/internal/config"
)

// Target is the thing stopped and started around a data operation: a
// systemd unit or a container managed by an engine CLI.
type Target struct {
	Kind string
	Name string
	cli  string
}

func (t Target) argv(verb string) []string {
	return []string{t.cli, verb, t.Name}
}

// TargetFor prefers the service unit when the job names one.
func TargetFor(cfg *config.Config, job *config.Job) Target {
	if job.ServiceName != "" {
		return Target{Kind: "service", Name: job.ServiceName, cli: "systemctl"}
	}
	return Target{Kind: "container", Name: job.Container(), cli: cfg.Backend(job)}
}

type Guard struct {
	Runner command.Runner
	Config *config.Config
}

// WithStopped stops the job's workload, runs op and starts the workload
// again on every exit path, including a panic in op. A failed stop is only
// a warning. A failed start is logged and never replaces op's error.
func (g *Guard) WithStopped(ctx context.Context, job *config.Job, op func(ctx context.Context) error) (err error) {
	target := TargetFor(g.Config, job)

	slog.Info("Stopping workload", "job", job.Name, "kind", target.Kind, "name", target.Name)
	if res := g.Runner.Run(ctx, target.argv("stop")...); !res.OK {
		slog.Warn("Failed to stop workload, proceeding anyway", "job", job.Name, "kind", target.Kind, "name", target.Name, "error", res.Error())
	}

	defer func() {
		startCtx := context.WithoutCancel(ctx)
		slog.Info("Starting workload", "job", job.Name, "kind", target.Kind, "name", target.Name)
		if res := g.Runner.Run(startCtx, target.argv("start")...); !res.OK {
			slog.Error("Failed to start workload", "job", job.Name, "kind", target.Kind, "name", target.Name, "error", res.Error())
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()

	return op(ctx)
}
