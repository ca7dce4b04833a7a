package check

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"testing"

	"cvb/internal/config"
	"cvb/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct{ err error }

func (f fakeMirror) Upload(context.Context, string, string, string) error { return nil }

func (f fakeMirror) Head(context.Context, string) (*remote.ObjectInfo, error) { return nil, nil }

func (f fakeMirror) VerifyCredentials(context.Context) error { return f.err }

func stubLookPath(t *testing.T, missing ...string) {
	t.Helper()
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(file string) (string, error) {
		for _, m := range missing {
			if m == file {
				return "", exec.ErrNotFound
			}
		}
		return "/usr/bin/" + file, nil
	}
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		NFS:  config.NFS{Server: "nas", Path: "/export", MountPoint: t.TempDir()},
		Jobs: []config.Job{{Name: "a", Volumes: []string{"v"}}},
	}
}

func TestTools(t *testing.T) {
	cfg := &config.Config{
		Defaults: config.Defaults{Backend: "podman"},
		Jobs: []config.Job{
			{Name: "a"},
			{Name: "b", Backend: "docker"},
			{Name: "c", ServiceName: "c.service"},
			{Name: "d", ServiceName: "d.service"},
		},
	}
	assert.Equal(t, []string{"docker", "mount", "podman", "systemctl"}, Tools(cfg))
}

func TestRunAllPassing(t *testing.T) {
	stubLookPath(t)
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), testConfig(t), 0, fakeMirror{}, &out))
	assert.Contains(t, out.String(), "privileges: OK")
	assert.Contains(t, out.String(), "tool docker: OK (/usr/bin/docker)")
	assert.Contains(t, out.String(), "not mounted (will mount nas:/export)")
	assert.Contains(t, out.String(), "S3 bucket")
	assert.Contains(t, out.String(), "all checks passed")
}

func TestRunMissingTool(t *testing.T) {
	stubLookPath(t, "docker")
	var out bytes.Buffer

	err := Run(context.Background(), testConfig(t), 0, nil, &out)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.ErrorContains(t, err, "tool docker")
}

func TestRunMirrorCredentials(t *testing.T) {
	stubLookPath(t)
	var out bytes.Buffer

	err := Run(context.Background(), testConfig(t), 1000, fakeMirror{err: errors.New("403")}, &out)
	assert.ErrorContains(t, err, "S3 credentials")
	assert.Contains(t, out.String(), "running as uid 1000")
}
