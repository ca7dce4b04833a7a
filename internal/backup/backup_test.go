package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cvb/internal/command/commandtest"
	"cvb/internal/command"
	"cvb/internal/config"
	"cvb/internal/generation"
	"cvb/internal/mount"
	"cvb/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	uploads []string
	err     error
}

func (f *fakeMirror) Upload(_ context.Context, localPath, remotePath, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *fakeMirror) Head(context.Context, string) (*remote.ObjectInfo, error) { return nil, nil }

func (f *fakeMirror) VerifyCredentials(context.Context) error { return nil }

func intPtr(v int) *int { return &v }

type harness struct {
	exec  *Executor
	rec   *commandtest.Recorder
	clock time.Time
	cfg   *config.Config
}

// newHarness wires an executor whose archiver calls create the archive file
// on disk with the harness clock as modification time.
func newHarness(t *testing.T, jobs ...config.Job) *harness {
	t.Helper()
	h := &harness{
		rec:   &commandtest.Recorder{},
		clock: time.Date(2025, 12, 1, 19, 12, 15, 0, time.Local),
		cfg: &config.Config{
			NFS:  config.NFS{Server: "nas", Path: "/export", MountPoint: t.TempDir()},
			Jobs: jobs,
		},
	}
	h.rec.OnRun(func(argv []string) {
		for i, a := range argv {
			if a != "czf" || i+1 >= len(argv) {
				continue
			}
			var hostDir string
			for _, b := range argv {
				if strings.HasSuffix(b, ":"+backupPath) {
					hostDir = strings.TrimSuffix(b, ":"+backupPath)
				}
			}
			path := filepath.Join(hostDir, strings.TrimPrefix(argv[i+1], backupPath+"/"))
			require.NoError(t, os.WriteFile(path, []byte(path), 0o644))
			require.NoError(t, os.Chtimes(path, h.clock, h.clock))
		}
	})
	h.exec = New(h.cfg, h.rec, nil)
	h.exec.Mount = &mount.Guard{Runner: h.rec, IsMounted: func(string) (bool, error) { return true, nil }}
	h.exec.Now = func() time.Time { return h.clock }
	return h
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestArchiveCommand(t *testing.T) {
	got := ArchiveCommand("docker", "alpine:latest", "n8n_data", "/mnt/backups/containers/n8n", "20251201-191215-n8n_data.tar.gz")
	assert.Equal(t, []string{
		"docker", "run", "--rm",
		"-v", "n8n_data:/data:ro",
		"-v", "/mnt/backups/containers/n8n:/backup",
		"alpine:latest",
		"tar", "czf", "/backup/20251201-191215-n8n_data.tar.gz", "-C", "/data", ".",
	}, got)
}

func TestJobCreatesOneGeneration(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data", "logs"}, KeepDays: intPtr(3)})
	job := &h.cfg.Jobs[0]

	rep := h.exec.Job(context.Background(), job)

	require.True(t, rep.OK(), rep.Error())
	assert.Equal(t, "20251201-191215", rep.Timestamp)
	assert.Equal(t, []string{"20251201-191215-data.tar.gz", "20251201-191215-logs.tar.gz"}, listDir(t, h.cfg.BackupDir(job)))
	for _, v := range rep.Volumes {
		assert.Len(t, v.Checksum, 64)
	}

	lines := h.rec.Lines()
	require.Len(t, lines, 4)
	assert.Equal(t, "docker stop alpha", lines[0])
	assert.Contains(t, lines[1], "data:/data:ro")
	assert.Contains(t, lines[2], "logs:/data:ro")
	assert.Equal(t, "docker start alpha", lines[3])
}

func TestJobVolumeFailureContinues(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data", "logs"}})
	h.rec.FailContaining("data:/data:ro")
	job := &h.cfg.Jobs[0]

	rep := h.exec.Job(context.Background(), job)

	assert.False(t, rep.OK())
	require.Len(t, rep.Volumes, 2)
	assert.Error(t, rep.Volumes[0].Err)
	assert.NoError(t, rep.Volumes[1].Err)
	assert.Equal(t, []string{"20251201-191215-logs.tar.gz"}, listDir(t, h.cfg.BackupDir(job)))
	assert.Equal(t, 1, h.rec.Count("docker", "start", "alpha"))
}

// partialWriter writes every archive before reporting, failing the calls
// that contain fail.
type partialWriter struct {
	commandtest.Recorder
	fail string
}

func (p *partialWriter) Run(ctx context.Context, argv ...string) command.Result {
	for i, a := range argv {
		if a == "czf" && i+1 < len(argv) {
			var hostDir string
			for _, b := range argv {
				if dir, ok := strings.CutSuffix(b, ":"+backupPath); ok {
					hostDir = dir
				}
			}
			path := filepath.Join(hostDir, strings.TrimPrefix(argv[i+1], backupPath+"/"))
			_ = os.WriteFile(path, []byte("truncated"), 0o644)
		}
	}
	if strings.Contains(strings.Join(argv, " "), p.fail) {
		return command.Result{Err: errors.New("exit status 1"), Output: "tar: write error"}
	}
	return p.Recorder.Run(ctx, argv...)
}

func TestJobFailedArchiveLeavesGenerationIncomplete(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data", "logs"}})
	runner := &partialWriter{fail: "logs:/data:ro"}
	h.exec.Runner = runner
	h.exec.Guard.Runner = runner
	job := &h.cfg.Jobs[0]

	rep := h.exec.Job(context.Background(), job)
	require.Len(t, rep.Failed(), 1)
	assert.Equal(t, "logs", rep.Failed()[0].Volume)

	dir := h.cfg.BackupDir(job)
	assert.Equal(t, []string{"20251201-191215-data.tar.gz"}, listDir(t, dir))

	g, err := generation.Resolve(dir, "")
	require.NoError(t, err)
	assert.False(t, g.Complete(job.Volumes))
	assert.Equal(t, []string{"logs"}, g.Missing(job.Volumes))
}

func TestJobAllVolumesFailStillRestarts(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", ServiceName: "alpha.service", Volumes: []string{"data", "logs"}})
	h.rec.FailContaining("run --rm")
	job := &h.cfg.Jobs[0]

	rep := h.exec.Job(context.Background(), job)

	assert.Len(t, rep.Failed(), 2)
	assert.Equal(t, 1, h.rec.Count("systemctl", "stop", "alpha.service"))
	assert.Equal(t, 1, h.rec.Count("systemctl", "start", "alpha.service"))
}

func TestJobMirrorsArchives(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data", "logs"}})
	mirror := &fakeMirror{}
	h.exec.Mirror = mirror

	rep := h.exec.Job(context.Background(), &h.cfg.Jobs[0])

	require.True(t, rep.OK(), rep.Error())
	assert.ElementsMatch(t, []string{
		"containers/alpha/20251201-191215-data.tar.gz",
		"containers/alpha/20251201-191215-logs.tar.gz",
	}, mirror.uploads)
}

func TestJobMirrorFailureFailsVolume(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data"}})
	h.exec.Mirror = &fakeMirror{err: errors.New("bucket unreachable")}

	rep := h.exec.Job(context.Background(), &h.cfg.Jobs[0])

	assert.False(t, rep.OK())
	assert.ErrorContains(t, rep.Volumes[0].Err, "mirror failed")
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	files := map[string]time.Duration{
		"20250610-110000-data.tar.gz": time.Hour,
		"20250608-120000-data.tar.gz": 2 * day,
		"20250606-120100-data.tar.gz": 4*day - time.Minute,
		"20250606-120000-data.tar.gz": 4 * day,
		"20250531-120000-data.tar.gz": 10 * day,
		"notes.txt":                   10 * day,
	}
	for name, age := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		mtime := now.Add(-age)
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "old.tar.gz"), 0o755))

	removed, err := Prune(dir, 3, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "20250606-120000-data.tar.gz"),
		filepath.Join(dir, "20250531-120000-data.tar.gz"),
	}, removed)
	assert.ElementsMatch(t, []string{
		"20250610-110000-data.tar.gz",
		"20250608-120000-data.tar.gz",
		"20250606-120100-data.tar.gz",
		"notes.txt",
		"old.tar.gz",
	}, listDir(t, dir))
}

func TestPruneMissingDir(t *testing.T) {
	_, err := Prune(filepath.Join(t.TempDir(), "missing"), 7, time.Now())
	assert.Error(t, err)
}

func TestSecondRunPrunesFirstGeneration(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data", "logs"}, KeepDays: intPtr(3)})
	job := &h.cfg.Jobs[0]
	dir := h.cfg.BackupDir(job)

	require.True(t, h.exec.Job(context.Background(), job).OK())
	assert.Equal(t, []string{"20251201-191215-data.tar.gz", "20251201-191215-logs.tar.gz"}, listDir(t, dir))

	h.clock = h.clock.Add(24 * time.Hour)
	job.KeepDays = intPtr(0)
	require.True(t, h.exec.Job(context.Background(), job).OK())

	assert.Equal(t, []string{"20251202-191215-data.tar.gz", "20251202-191215-logs.tar.gz"}, listDir(t, dir))
}

func TestRunAll(t *testing.T) {
	h := newHarness(t,
		config.Job{Name: "alpha", Volumes: []string{"data"}},
		config.Job{Name: "beta", Volumes: []string{"db"}},
		config.Job{Name: "gamma", Volumes: []string{"cache"}},
	)
	h.rec.FailContaining("db:/data:ro")

	summary, err := h.exec.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Error(t, summary.Err())
	assert.Equal(t, 1, h.rec.Count("docker", "start", "gamma"), "later jobs still run")
}

func TestRunAllMountFailureAborts(t *testing.T) {
	h := newHarness(t, config.Job{Name: "alpha", Volumes: []string{"data"}})
	h.exec.Mount.IsMounted = func(string) (bool, error) { return false, nil }
	h.rec.FailContaining("mount -t nfs")

	summary, err := h.exec.RunAll(context.Background())
	assert.Nil(t, summary)
	assert.ErrorIs(t, err, mount.ErrMountFailed)
	assert.Equal(t, 0, h.rec.Count("docker"))
}
