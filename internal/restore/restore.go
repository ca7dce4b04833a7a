package restore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cvb/internal/command"
	"cvb/internal/config"
	"cvb/internal/generation"
	"cvb/internal/mount"
	"cvb/internal/report"
	"cvb/internal/workload"
)

const (
	targetPath = "/target"
	backupPath = "/backup"

	// The archive path is passed as $1 so it is never spliced into the script.
	restoreScript = `find ` + targetPath + ` -mindepth 1 -delete && tar xzf "$1" -C ` + targetPath
)

var ErrNoBackupDir = errors.New("backup directory not found")

type Executor struct {
	Config *config.Config
	Runner command.Runner
	Mount  *mount.Guard
	Guard  *workload.Guard
	// In supplies the operator's confirmation, Out receives the plan.
	In  io.Reader
	Out io.Writer
}

func New(cfg *config.Config, runner command.Runner, in io.Reader, out io.Writer) *Executor {
	return &Executor{
		Config: cfg,
		Runner: runner,
		Mount:  mount.NewGuard(runner),
		Guard:  &workload.Guard{Runner: runner, Config: cfg},
		In:     in,
		Out:    out,
	}
}

// Entry pairs a configured volume with its archive in the selected
// generation. Archive is empty when the generation has none.
type Entry struct {
	Volume  string
	Archive string
}

type Plan struct {
	Job       *config.Job
	Target    workload.Target
	BackupDir string
	Timestamp string
	// Latest and Matches describe how the generation was selected.
	Latest  bool
	Matches int
	Entries []Entry
}

func (p *Plan) Missing() []string {
	var missing []string
	for _, e := range p.Entries {
		if e.Archive == "" {
			missing = append(missing, e.Volume)
		}
	}
	return missing
}

// RestoreCommand builds the ephemeral container invocation that wipes vol
// and extracts archive (a file name inside dir) into it.
func RestoreCommand(backend, image, vol, dir, archive string) []string {
	return []string{
		backend, "run", "--rm",
		"-v", vol + ":" + targetPath,
		"-v", dir + ":" + backupPath + ":ro",
		image,
		"sh", "-c", restoreScript, "sh", backupPath + "/" + archive,
	}
}

// Prepare resolves the job and generation without side effects.
func (e *Executor) Prepare(jobName, selector string) (*Plan, error) {
	job, err := e.Config.FindJob(jobName)
	if err != nil {
		return nil, err
	}

	dir := e.Config.BackupDir(job)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoBackupDir, dir)
	}

	gen, err := generation.Resolve(dir, selector)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Job:       job,
		Target:    workload.TargetFor(e.Config, job),
		BackupDir: dir,
		Timestamp: gen.Timestamp,
		Latest:    gen.Latest,
	}
	if gen.Ambiguous {
		plan.Matches = gen.Matches
	}
	for _, vol := range job.Volumes {
		entry := Entry{Volume: vol}
		if path, ok := gen.Files[vol]; ok {
			entry.Archive = filepath.Base(path)
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, nil
}

// Run restores jobName from the generation chosen by selector after the
// operator confirms. The error is non-nil only for run-aborting failures;
// job and volume failures are carried in the returned report.
func (e *Executor) Run(ctx context.Context, jobName, selector string) (*report.Job, error) {
	if err := e.Mount.Ensure(ctx, e.Config); err != nil {
		slog.Error("Aborting restore because NFS mount failed", "error", err)
		return nil, err
	}

	rep := &report.Job{Name: jobName}

	plan, err := e.Prepare(jobName, selector)
	if err != nil {
		slog.Error("Restore failed", "job", jobName, "error", err)
		rep.Err = err
		return rep, nil
	}
	rep.Timestamp = plan.Timestamp

	slog.Info("Restoring job", "job", jobName, "timestamp", plan.Timestamp)
	if missing := plan.Missing(); len(missing) > 0 {
		slog.Warn("Selected generation is incomplete", "job", jobName, "timestamp", plan.Timestamp, "missing", strings.Join(missing, ","))
	}

	e.printPlan(plan)
	if !e.confirm() {
		slog.Info("Restore cancelled", "job", jobName)
		rep.Cancelled = true
		return rep, nil
	}

	err = e.Guard.WithStopped(ctx, plan.Job, func(ctx context.Context) error {
		for _, entry := range plan.Entries {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.Add(e.restoreVolume(ctx, plan, entry))
		}
		return nil
	})
	if err != nil {
		rep.Err = fmt.Errorf("restore interrupted: %w", err)
	}

	slog.Info("Restore completed", "job", jobName, "failed", len(rep.Failed()))
	return rep, nil
}

func (e *Executor) restoreVolume(ctx context.Context, plan *Plan, entry Entry) report.VolumeResult {
	result := report.VolumeResult{Volume: entry.Volume}

	if entry.Archive == "" {
		slog.Warn("Skipping volume: no backup file found in set", "volume", entry.Volume, "timestamp", plan.Timestamp)
		result.Skipped = true
		return result
	}
	result.Archive = filepath.Join(plan.BackupDir, entry.Archive)

	slog.Info("Restoring volume", "volume", entry.Volume, "archive", result.Archive)

	argv := RestoreCommand(e.Config.Backend(plan.Job), e.Config.Image(), entry.Volume, plan.BackupDir, entry.Archive)
	if res := e.Runner.Run(ctx, argv...); !res.OK {
		result.Err = fmt.Errorf("extract failed: %w", res.Error())
		slog.Error("Failed to restore volume", "volume", entry.Volume, "error", res.Error())
		return result
	}

	slog.Info("Volume restored successfully", "volume", entry.Volume)
	return result
}

func (e *Executor) printPlan(plan *Plan) {
	selection := ""
	switch {
	case plan.Latest:
		selection = ", latest"
	case plan.Matches > 1:
		selection = fmt.Sprintf(", latest of %d matching", plan.Matches)
	}
	fmt.Fprintf(e.Out, "\nWARNING: This will overwrite the following volumes for %s '%s' (backup %s%s):\n",
		plan.Target.Kind, plan.Target.Name, plan.Timestamp, selection)
	for _, entry := range plan.Entries {
		if entry.Archive != "" {
			fmt.Fprintf(e.Out, "  - %s <== %s\n", entry.Volume, entry.Archive)
		} else {
			fmt.Fprintf(e.Out, "  - %s (WARNING: no backup file found for this volume in this generation, it will be skipped)\n", entry.Volume)
		}
	}
	fmt.Fprint(e.Out, "\nAre you sure you want to continue? (yes/no): ")
}

// confirm accepts only "yes", case-insensitively and without surrounding
// blanks. Read errors decline.
func (e *Executor) confirm() bool {
	line, err := bufio.NewReader(e.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Warn("Failed to read confirmation", "error", err)
		return false
	}
	return strings.EqualFold(strings.TrimRight(line, "\r\n"), "yes")
}
