// Package generation indexes archive files by the naming convention
// <YYYYMMDD>-<HHMMSS>-<volume>.tar.gz and selects backup generations.
//
// The timestamp fields are fixed-width and ordered from most to least
// significant, so lexicographic order equals chronological order. Any change
// to the convention must keep that property.
package generation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	Ext             = ".tar.gz"
	TimestampLayout = "20060102-150405"
	separator       = "-"
)

var (
	ErrNoFiles      = errors.New("no backup files found in directory")
	ErrNoValidFiles = errors.New("no valid backup files parsed")
	ErrNoMatch      = errors.New("no backups found matching prefix")
)

type Archive struct {
	Timestamp string
	Volume    string
}

// Generation is the set of archives sharing one timestamp.
type Generation struct {
	Timestamp string
	Files     map[string]string

	// Latest is set when no selector was given.
	Latest bool
	// Ambiguous is set when a prefix matched several timestamps; Matches
	// counts them.
	Ambiguous bool
	Matches   int
}

func Timestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

func ArchiveName(timestamp, volume string) string {
	return timestamp + separator + volume + Ext
}

// ParseArchiveName splits name on the first two separators. Names with fewer
// than three fields, the wrong extension or an empty volume are rejected.
func ParseArchiveName(name string) (Archive, bool) {
	parts := strings.SplitN(name, separator, 3)
	if len(parts) < 3 {
		return Archive{}, false
	}
	volume, ok := strings.CutSuffix(parts[2], Ext)
	if !ok || volume == "" {
		return Archive{}, false
	}
	return Archive{Timestamp: parts[0] + separator + parts[1], Volume: volume}, true
}

// Missing returns the volumes that have no archive in g, in the given order.
func (g *Generation) Missing(volumes []string) []string {
	var missing []string
	for _, v := range volumes {
		if _, ok := g.Files[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}

func (g *Generation) Complete(volumes []string) bool {
	return len(g.Missing(volumes)) == 0
}

// Volumes returns the archived volume names sorted.
func (g *Generation) Volumes() []string {
	names := make([]string, 0, len(g.Files))
	for v := range g.Files {
		names = append(names, v)
	}
	slices.Sort(names)
	return names
}

func index(dir string) (map[string]map[string]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var archives []string
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		archives = append(archives, f)
	}
	if len(archives) == 0 {
		return nil, ErrNoFiles
	}

	byTimestamp := make(map[string]map[string]string)
	for _, f := range archives {
		a, ok := ParseArchiveName(filepath.Base(f))
		if !ok {
			slog.Debug("Ignoring file outside naming convention", "file", f)
			continue
		}
		if byTimestamp[a.Timestamp] == nil {
			byTimestamp[a.Timestamp] = make(map[string]string)
		}
		byTimestamp[a.Timestamp][a.Volume] = f
	}
	if len(byTimestamp) == 0 {
		return nil, ErrNoValidFiles
	}
	return byTimestamp, nil
}

// Resolve picks a generation in dir. An empty selector picks the latest
// timestamp; otherwise the latest timestamp starting with selector wins.
func Resolve(dir, selector string) (*Generation, error) {
	byTimestamp, err := index(dir)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for ts := range byTimestamp {
		if strings.HasPrefix(ts, selector) {
			candidates = append(candidates, ts)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, selector)
	}

	selected := slices.Max(candidates)
	g := &Generation{
		Timestamp: selected,
		Files:     byTimestamp[selected],
		Matches:   len(candidates),
	}

	switch {
	case selector == "":
		g.Latest = true
		slog.Info("No timestamp specified, selecting latest backup", "timestamp", selected)
	case len(candidates) > 1:
		g.Ambiguous = true
		slog.Info("Multiple backups match prefix, selecting latest", "prefix", selector, "timestamp", selected, "matches", len(candidates))
	}

	return g, nil
}

// Scan returns every generation in dir, newest first.
func Scan(dir string) ([]Generation, error) {
	byTimestamp, err := index(dir)
	if err != nil {
		return nil, err
	}

	gens := make([]Generation, 0, len(byTimestamp))
	for ts, files := range byTimestamp {
		gens = append(gens, Generation{Timestamp: ts, Files: files})
	}
	slices.SortFunc(gens, func(a, b Generation) int {
		return strings.Compare(b.Timestamp, a.Timestamp)
	})
	return gens, nil
}
