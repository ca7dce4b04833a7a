package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"cvb/internal/command"
	"cvb/internal/config"

	"golang.org/x/sys/unix"
)

// Options is the fixed NFS option set used for every mount.
const Options = "rw,soft,intr,timeo=14,nfsvers=4"

var ErrMountFailed = errors.New("nfs mount failed")

type Guard struct {
	Runner    command.Runner
	IsMounted func(path string) (bool, error)
}

func NewGuard(runner command.Runner) *Guard {
	return &Guard{Runner: runner, IsMounted: IsMountPoint}
}

// Ensure makes sure the NFS export is mounted at the configured mount point.
// It is a no-op when the mount point is already active.
func (g *Guard) Ensure(ctx context.Context, cfg *config.Config) error {
	mountPoint := cfg.MountPoint()

	mounted, err := g.IsMounted(mountPoint)
	if err != nil {
		slog.Debug("Mount point check failed, will try to mount", "mountPoint", mountPoint, "error", err)
	}
	if mounted {
		slog.Debug("NFS share already mounted", "mountPoint", mountPoint)
		return nil
	}

	source := fmt.Sprintf("%s:%s", cfg.NFS.Server, cfg.NFS.Path)
	slog.Info("Mounting NFS share", "source", source, "mountPoint", mountPoint)

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create mount point %s: %w", ErrMountFailed, mountPoint, err)
	}

	res := g.Runner.Run(ctx, "mount", "-t", "nfs", "-o", Options, source, mountPoint)
	if !res.OK {
		return fmt.Errorf("%w: %s on %s: %w", ErrMountFailed, source, mountPoint, res.Error())
	}

	slog.Info("Mount successful", "mountPoint", mountPoint)
	return nil
}

// IsMountPoint reports whether path is the root of a mounted filesystem:
// either it lives on a different device than its parent or it is the
// filesystem root itself.
func IsMountPoint(path string) (bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	if st.Mode&unix.S_IFMT == unix.S_IFLNK {
		return false, nil
	}
	if err := unix.Stat(filepath.Join(path, ".."), &parent); err != nil {
		return false, err
	}
	if st.Dev != parent.Dev {
		return true, nil
	}
	return st.Ino == parent.Ino, nil
}
