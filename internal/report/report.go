// Package report carries per-volume and per-job outcomes so callers can
// compose them into a run summary and an exit code.
package report

import (
	"errors"
	"fmt"
	"log/slog"
)

type Kind string

const (
	KindOK        Kind = "ok"
	KindJob       Kind = "job"
	KindVolume    Kind = "volume"
	KindCancelled Kind = "cancelled"
)

type VolumeResult struct {
	Volume   string
	Archive  string
	Checksum string
	Skipped  bool
	Err      error
}

type Job struct {
	Name      string
	Timestamp string
	Volumes   []VolumeResult
	// Err is a job-fatal error: the job could not run at all.
	Err       error
	Cancelled bool
}

func (j *Job) Add(v VolumeResult) {
	j.Volumes = append(j.Volumes, v)
}

func (j *Job) Failed() []VolumeResult {
	var failed []VolumeResult
	for _, v := range j.Volumes {
		if v.Err != nil {
			failed = append(failed, v)
		}
	}
	return failed
}

func (j *Job) Kind() Kind {
	switch {
	case j.Err != nil:
		return KindJob
	case j.Cancelled:
		return KindCancelled
	case len(j.Failed()) > 0:
		return KindVolume
	default:
		return KindOK
	}
}

// OK reports whether the job fully succeeded or was cancelled by the
// operator. Skipped volumes do not count as failures.
func (j *Job) OK() bool {
	k := j.Kind()
	return k == KindOK || k == KindCancelled
}

// Error folds job and volume errors into one error, nil when OK.
func (j *Job) Error() error {
	if j.Err != nil {
		return fmt.Errorf("job %s: %w", j.Name, j.Err)
	}
	var errs []error
	for _, v := range j.Failed() {
		errs = append(errs, fmt.Errorf("volume %s: %w", v.Volume, v.Err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("job %s: %w", j.Name, errors.Join(errs...))
	}
	return nil
}

type Summary struct {
	Jobs      []*Job
	Succeeded int
	Failed    int
}

func (s *Summary) Add(j *Job) {
	s.Jobs = append(s.Jobs, j)
	if j.OK() {
		s.Succeeded++
		return
	}
	s.Failed++
	slog.Error("Job failed", "job", j.Name, "kind", j.Kind(), "error", j.Error())
}

func (s *Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d job(s) failed", s.Failed, len(s.Jobs))
}
