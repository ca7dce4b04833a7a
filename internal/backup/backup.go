package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cvb/internal/checksum"
	"cvb/internal/command"
	"cvb/internal/config"
	"cvb/internal/generation"
	"cvb/internal/mount"
	"cvb/internal/remote"
	"cvb/internal/report"
	"cvb/internal/workload"
)

// Paths inside the ephemeral archiver container.
const (
	dataPath   = "/data"
	backupPath = "/backup"
)

type Executor struct {
	Config *config.Config
	Runner command.Runner
	Mount  *mount.Guard
	Guard  *workload.Guard
	// Mirror is nil unless s3 mirroring is enabled.
	Mirror remote.Backend
	Now    func() time.Time
}

func New(cfg *config.Config, runner command.Runner, mirror remote.Backend) *Executor {
	return &Executor{
		Config: cfg,
		Runner: runner,
		Mount:  mount.NewGuard(runner),
		Guard:  &workload.Guard{Runner: runner, Config: cfg},
		Mirror: mirror,
		Now:    time.Now,
	}
}

// RunAll backs up every configured job in order. The returned error is
// non-nil only for run-aborting failures; job failures are tallied in the
// summary.
func (e *Executor) RunAll(ctx context.Context) (*report.Summary, error) {
	if err := e.Mount.Ensure(ctx, e.Config); err != nil {
		slog.Error("Aborting backups because NFS mount failed", "error", err)
		return nil, err
	}

	summary := &report.Summary{}
	for i := range e.Config.Jobs {
		if ctx.Err() != nil {
			return summary, fmt.Errorf("backup cancelled before job %s: %w", e.Config.Jobs[i].Name, ctx.Err())
		}
		summary.Add(e.Job(ctx, &e.Config.Jobs[i]))
	}

	slog.Info("All jobs completed", "success", summary.Succeeded, "failures", summary.Failed)
	return summary, nil
}

// Job archives every volume of job into one generation, then mirrors the
// new archives and prunes expired ones.
func (e *Executor) Job(ctx context.Context, job *config.Job) *report.Job {
	rep := &report.Job{Name: job.Name, Timestamp: generation.Timestamp(e.Now())}
	dir := e.Config.BackupDir(job)

	slog.Info("Starting backup", "job", job.Name, "timestamp", rep.Timestamp, "dir", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		rep.Err = fmt.Errorf("failed to create backup directory: %w", err)
		return rep
	}

	err := e.Guard.WithStopped(ctx, job, func(ctx context.Context) error {
		for _, vol := range job.Volumes {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rep.Add(e.archive(ctx, job, dir, rep.Timestamp, vol))
		}
		return nil
	})
	if err != nil {
		rep.Err = fmt.Errorf("backup interrupted: %w", err)
	}

	if e.Mirror != nil {
		e.mirror(ctx, job, rep)
	}

	keepDays := e.Config.KeepDays(job)
	slog.Info("Pruning old backups", "job", job.Name, "keepDays", keepDays)
	if removed, err := Prune(dir, keepDays, e.Now()); err != nil {
		slog.Warn("Error pruning backups", "job", job.Name, "error", err)
	} else if len(removed) > 0 {
		slog.Info("Pruned backups", "job", job.Name, "count", len(removed))
	}

	slog.Info("Finished job", "job", job.Name, "archived", len(rep.Volumes)-len(rep.Failed()), "failed", len(rep.Failed()))
	return rep
}

// ArchiveCommand builds the ephemeral container invocation that captures
// vol into dir/<timestamp>-<vol>.tar.gz.
func ArchiveCommand(backend, image, vol, dir, name string) []string {
	return []string{
		backend, "run", "--rm",
		"-v", vol + ":" + dataPath + ":ro",
		"-v", dir + ":" + backupPath,
		image,
		"tar", "czf", backupPath + "/" + name, "-C", dataPath, ".",
	}
}

func (e *Executor) archive(ctx context.Context, job *config.Job, dir, timestamp, vol string) report.VolumeResult {
	name := generation.ArchiveName(timestamp, vol)
	result := report.VolumeResult{Volume: vol, Archive: filepath.Join(dir, name)}

	slog.Info("Backing up volume", "job", job.Name, "volume", vol, "archive", name)

	argv := ArchiveCommand(e.Config.Backend(job), e.Config.Image(), vol, dir, name)
	if res := e.Runner.Run(ctx, argv...); !res.OK {
		result.Err = fmt.Errorf("archive failed: %w", res.Error())
		slog.Error("Failed to back up volume", "job", job.Name, "volume", vol, "error", res.Error())
		// A truncated archive must not join the generation.
		if err := os.Remove(result.Archive); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove partial archive", "archive", result.Archive, "error", err)
		}
		return result
	}

	hash, err := checksum.BLAKE3File(result.Archive)
	if err != nil {
		slog.Warn("Failed to checksum archive", "archive", result.Archive, "error", err)
	} else {
		result.Checksum = hash
	}

	slog.Info("Volume backed up successfully", "job", job.Name, "volume", vol, "blake3", result.Checksum)
	return result
}

func (e *Executor) mirror(ctx context.Context, job *config.Job, rep *report.Job) {
	for i := range rep.Volumes {
		v := &rep.Volumes[i]
		if v.Err != nil {
			continue
		}
		if v.Checksum == "" {
			slog.Warn("Skipping mirror of archive without checksum", "archive", v.Archive)
			continue
		}
		if err := remote.MirrorArchive(ctx, e.Mirror, job.Name, v.Archive, v.Checksum); err != nil {
			slog.Error("Failed to mirror archive", "job", job.Name, "archive", v.Archive, "error", err)
			v.Err = fmt.Errorf("mirror failed: %w", err)
		}
	}
}

// Prune removes archives in dir whose age in whole days is greater than
// keepDays, matching `find -mtime +keepDays`. An archive exactly
// (keepDays+1)*24h old is removed. Only *.tar.gz regular files directly in
// dir are considered.
func Prune(dir string, keepDays int, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var removed []string
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), generation.Ext) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}

		days := int(now.Sub(info.ModTime()) / (24 * time.Hour))
		if days <= keepDays {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
			continue
		}
		slog.Debug("Removed expired archive", "path", path, "ageDays", days)
		removed = append(removed, path)
	}

	return removed, errors.Join(errs...)
}
