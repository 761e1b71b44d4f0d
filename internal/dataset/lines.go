package dataset

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/log"

	"harvester/internal/domain"
)

// MergeOutcome is the state of a flat list after a merge.
type MergeOutcome struct {
	// All is the full sorted union.
	All []string
	// Added holds the entries that were not present before, sorted.
	Added []string
}

// MergeLines unions entries with the newline-delimited set stored at path and
// rewrites the file sorted, one entry per line. Blank and multi-line entries
// are dropped; a missing file counts as empty.
func MergeLines(path string, entries []string, logger *log.Logger) (*MergeOutcome, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	existing, err := readLines(path)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		logger.Info("File exists, read existing entries", "path", path, "count", len(existing))
	}

	union := make(map[string]struct{}, len(existing)+len(entries))
	for entry := range existing {
		union[entry] = struct{}{}
	}

	var added []string
	for _, raw := range entries {
		entry, ok := domain.CleanIndicator(raw)
		if !ok {
			continue
		}
		if _, seen := union[entry]; seen {
			continue
		}
		union[entry] = struct{}{}
		added = append(added, entry)
	}

	all := make([]string, 0, len(union))
	for entry := range union {
		all = append(all, entry)
	}
	sort.Strings(all)
	sort.Strings(added)

	var buf bytes.Buffer
	for _, entry := range all {
		buf.WriteString(entry)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	return &MergeOutcome{All: all, Added: added}, nil
}

func readLines(path string) (map[string]struct{}, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return set, nil
}
