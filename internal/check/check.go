package check

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"slices"

	"cvb/internal/config"
	"cvb/internal/mount"
	"cvb/internal/remote"
)

var lookPath = exec.LookPath

// Tools returns the external binaries the configured jobs depend on.
func Tools(cfg *config.Config) []string {
	tools := []string{"mount"}
	for i := range cfg.Jobs {
		job := &cfg.Jobs[i]
		tools = append(tools, cfg.Backend(job))
		if job.ServiceName != "" {
			tools = append(tools, "systemctl")
		}
	}
	slices.Sort(tools)
	return slices.Compact(tools)
}

// Run reports on everything a backup run needs. mirror is nil when s3 is
// disabled. A mount point that is not yet mounted is reported, not failed,
// since run mounts it on demand.
func Run(ctx context.Context, cfg *config.Config, euid int, mirror remote.Backend, w io.Writer) error {
	fmt.Fprintf(w, "config: OK (%d job(s))\n", len(cfg.Jobs))

	if euid == 0 {
		fmt.Fprintln(w, "privileges: OK")
	} else {
		fmt.Fprintf(w, "privileges: running as uid %d, run and restore require root\n", euid)
	}

	for _, tool := range Tools(cfg) {
		path, err := lookPath(tool)
		if err != nil {
			return fmt.Errorf("tool %s: %w", tool, err)
		}
		fmt.Fprintf(w, "tool %s: OK (%s)\n", tool, path)
	}

	mounted, err := mount.IsMountPoint(cfg.MountPoint())
	switch {
	case err != nil:
		fmt.Fprintf(w, "mount point %s: %v\n", cfg.MountPoint(), err)
	case mounted:
		fmt.Fprintf(w, "mount point %s: mounted\n", cfg.MountPoint())
	default:
		fmt.Fprintf(w, "mount point %s: not mounted (will mount %s:%s)\n", cfg.MountPoint(), cfg.NFS.Server, cfg.NFS.Path)
	}

	if mirror != nil {
		if err := mirror.VerifyCredentials(ctx); err != nil {
			return fmt.Errorf("S3 credentials: %w", err)
		}
		fmt.Fprintf(w, "S3 bucket %s: OK\n", cfg.S3.Bucket)
	}

	fmt.Fprintln(w, "all checks passed")
	return nil
}
