// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"cvb/internal/command"
)

type Recorder struct {
	mu    sync.Mutex
	calls [][]string
	fail  []func(argv []string) bool
	hook  func(argv []string)
}

// FailWhen makes every call whose argv satisfies match report failure.
func (r *Recorder) FailWhen(match func(argv []string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = append(r.fail, match)
}

// FailContaining fails calls whose joined argv contains sub.
func (r *Recorder) FailContaining(sub string) {
	r.FailWhen(func(argv []string) bool {
		return strings.Contains(strings.Join(argv, " "), sub)
	})
}

// OnRun registers a side effect executed for successful calls.
func (r *Recorder) OnRun(hook func(argv []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

func (r *Recorder) Run(_ context.Context, argv ...string) command.Result {
	r.mu.Lock()
	r.calls = append(r.calls, slices.Clone(argv))
	fail := slices.ContainsFunc(r.fail, func(m func([]string) bool) bool { return m(argv) })
	hook := r.hook
	r.mu.Unlock()

	if fail {
		return command.Result{Err: errors.New("exit status 1"), Output: "scripted failure"}
	}
	if hook != nil {
		hook(argv)
	}
	return command.Result{OK: true}
}

func (r *Recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// Lines returns every recorded call joined with spaces.
func (r *Recorder) Lines() []string {
	var lines []string
	for _, c := range r.Calls() {
		lines = append(lines, strings.Join(c, " "))
	}
	return lines
}

// Count returns the number of calls whose leading arguments equal prefix.
func (r *Recorder) Count(prefix ...string) int {
	n := 0
	for _, c := range r.Calls() {
		if len(c) >= len(prefix) && slices.Equal(c[:len(prefix)], prefix) {
			n++
		}
	}
	return n
}
