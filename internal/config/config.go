package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMountPoint = "/mnt/backups"
	DefaultBackend    = "docker"
	DefaultKeepDays   = 7
	DefaultImage      = "alpine:latest"
)

var ErrJobNotFound = errors.New("job not found")

type Job struct {
	Name          string   `yaml:"name"`
	ContainerName string   `yaml:"containerName,omitempty"`
	Backend       string   `yaml:"backend,omitempty"`
	KeepDays      *int     `yaml:"keepDays,omitempty"`
	ServiceName   string   `yaml:"serviceName,omitempty"`
	Volumes       []string `yaml:"volumes"`
}

type NFS struct {
	Server     string `yaml:"server"`
	Path       string `yaml:"path"`
	MountPoint string `yaml:"mountPoint,omitempty"`
}

type Defaults struct {
	Backend  string `yaml:"backend,omitempty"`
	KeepDays *int   `yaml:"keepDays,omitempty"`
	Image    string `yaml:"image,omitempty"`
}

type Log struct {
	Dir   string `yaml:"dir,omitempty"`
	Level string `yaml:"level,omitempty"`
}

type Config struct {
	NFS      NFS      `yaml:"nfs"`
	Defaults Defaults `yaml:"defaults"`
	Jobs     []Job    `yaml:"jobs"`
	S3       S3Config `yaml:"s3"`
	Log      Log      `yaml:"log"`
}

type S3Config struct {
	Enabled      bool               `yaml:"enabled"`
	Bucket       string             `yaml:"bucket"`
	Prefix       string             `yaml:"prefix"`
	Region       string             `yaml:"region"`
	Endpoint     string             `yaml:"endpoint"`
	StorageClass types.StorageClass `yaml:"storageClass"`
	Retry        struct {
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"retry,omitempty"`
}

// Load reads a YAML or JSON configuration document. JSON parses as YAML,
// so a single decoder serves both.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.NFS.Server == "" {
		return fmt.Errorf("nfs.server is required")
	}
	if c.NFS.Path == "" {
		return fmt.Errorf("nfs.path is required")
	}
	if c.Defaults.KeepDays != nil && *c.Defaults.KeepDays < 0 {
		return fmt.Errorf("defaults.keepDays must be non-negative")
	}
	if len(c.Jobs) == 0 {
		return fmt.Errorf("at least one job is required")
	}
	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		if j.Name == "" {
			return fmt.Errorf("jobs[%d].name is required", i)
		}
		if strings.ContainsRune(j.Name, filepath.Separator) {
			return fmt.Errorf("jobs[%d].name must not contain %q", i, filepath.Separator)
		}
		if seen[j.Name] {
			return fmt.Errorf("jobs[%d].name %q is duplicated", i, j.Name)
		}
		seen[j.Name] = true
		if len(j.Volumes) == 0 {
			return fmt.Errorf("jobs[%d].volumes must have at least one entry", i)
		}
		for k, v := range j.Volumes {
			if v == "" {
				return fmt.Errorf("jobs[%d].volumes[%d] is empty", i, k)
			}
		}
		if j.KeepDays != nil && *j.KeepDays < 0 {
			return fmt.Errorf("jobs[%d].keepDays must be non-negative", i)
		}
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when s3 is enabled")
		}
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3 is enabled")
		}
	}
	return nil
}

func (c *Config) FindJob(name string) (*Job, error) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return &j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (available: %s)", ErrJobNotFound, name, strings.Join(c.JobNames(), ", "))
}

func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		names = append(names, j.Name)
	}
	return names
}

func (c *Config) MountPoint() string {
	if c.NFS.MountPoint != "" {
		return c.NFS.MountPoint
	}
	return DefaultMountPoint
}

// BackupDir is where every generation of the job lives.
func (c *Config) BackupDir(j *Job) string {
	return filepath.Join(c.MountPoint(), "containers", j.Name)
}

func (c *Config) Image() string {
	if c.Defaults.Image != "" {
		return c.Defaults.Image
	}
	return DefaultImage
}

func (c *Config) Backend(j *Job) string {
	if j.Backend != "" {
		return j.Backend
	}
	if c.Defaults.Backend != "" {
		return c.Defaults.Backend
	}
	return DefaultBackend
}

func (c *Config) KeepDays(j *Job) int {
	if j.KeepDays != nil {
		return *j.KeepDays
	}
	if c.Defaults.KeepDays != nil {
		return *c.Defaults.KeepDays
	}
	return DefaultKeepDays
}

func (j *Job) Container() string {
	if j.ContainerName != "" {
		return j.ContainerName
	}
	return j.Name
}

func (c *Config) S3RetryAttempts() int {
	if c.S3.Retry.MaxAttempts > 0 {
		return c.S3.Retry.MaxAttempts
	}
	return 3
}

func (c *Config) S3StorageClass() types.StorageClass {
	if c.S3.StorageClass != "" {
		return c.S3.StorageClass
	}
	return types.StorageClassStandard
}
