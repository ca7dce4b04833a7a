package list

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cvb/internal/checksum"
	"cvb/internal/config"
	"cvb/internal/generation"
)

type Archive struct {
	Volume     string `json:"volume"`
	File       string `json:"file"`
	SizeBytes  int64  `json:"size_bytes"`
	ModifiedAt string `json:"modified_at"`
	Blake3Hash string `json:"blake3_hash,omitempty"`
}

type Info struct {
	Timestamp string    `json:"timestamp"`
	Complete  bool      `json:"complete"`
	Missing   []string  `json:"missing,omitempty"`
	Archives  []Archive `json:"archives"`
}

type Output struct {
	Job         string   `json:"job"`
	BackupDir   string   `json:"backup_dir"`
	Volumes     []string `json:"volumes"`
	KeepDays    int      `json:"keep_days"`
	Generations []Info   `json:"generations"`
	Summary     struct {
		TotalGenerations      int   `json:"total_generations"`
		CompleteGenerations   int   `json:"complete_generations"`
		IncompleteGenerations int   `json:"incomplete_generations"`
		TotalSizeBytes        int64 `json:"total_size_bytes"`
	} `json:"summary"`
}

// Build indexes the job's backup directory. An empty directory yields no
// generations rather than an error.
func Build(cfg *config.Config, jobName string, withChecksums bool) (*Output, error) {
	job, err := cfg.FindJob(jobName)
	if err != nil {
		return nil, err
	}

	output := &Output{
		Job:         job.Name,
		BackupDir:   cfg.BackupDir(job),
		Volumes:     job.Volumes,
		KeepDays:    cfg.KeepDays(job),
		Generations: []Info{},
	}

	gens, err := generation.Scan(output.BackupDir)
	switch {
	case errors.Is(err, generation.ErrNoFiles), errors.Is(err, generation.ErrNoValidFiles), errors.Is(err, os.ErrNotExist):
		return output, nil
	case err != nil:
		return nil, err
	}

	for _, g := range gens {
		info := Info{
			Timestamp: g.Timestamp,
			Complete:  g.Complete(job.Volumes),
			Missing:   g.Missing(job.Volumes),
			Archives:  []Archive{},
		}

		for _, vol := range g.Volumes() {
			path := g.Files[vol]
			a := Archive{Volume: vol, File: filepath.Base(path)}
			if st, err := os.Stat(path); err == nil {
				a.SizeBytes = st.Size()
				a.ModifiedAt = st.ModTime().Format(time.RFC3339)
			}
			if withChecksums {
				hash, err := checksum.BLAKE3File(path)
				if err != nil {
					return nil, fmt.Errorf("failed to checksum %s: %w", path, err)
				}
				a.Blake3Hash = hash
			}
			output.Summary.TotalSizeBytes += a.SizeBytes
			info.Archives = append(info.Archives, a)
		}

		if info.Complete {
			output.Summary.CompleteGenerations++
		} else {
			output.Summary.IncompleteGenerations++
		}
		output.Generations = append(output.Generations, info)
	}
	output.Summary.TotalGenerations = len(output.Generations)

	return output, nil
}

func Run(cfg *config.Config, jobName string, withChecksums bool, w io.Writer) error {
	output, err := Build(cfg, jobName, withChecksums)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}
