package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"

	"harvester/internal/domain"
)

// MergeDetails unions the per-IP reputation tags in ips with the JSON object
// stored at path and rewrites it. A file that cannot be parsed is logged and
// replaced rather than treated as fatal.
func MergeDetails(path string, ips domain.IPReputations, logger *log.Logger) (domain.IPReputations, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	merged, err := readDetails(path, logger)
	if err != nil {
		return nil, err
	}

	for raw, tags := range ips {
		ip, ok := domain.CleanIndicator(raw)
		if !ok {
			continue
		}
		merged[ip] = domain.NormalizeTags(merged[ip], tags)
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return merged, nil
}

func readDetails(path string, logger *log.Logger) (domain.IPReputations, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(domain.IPReputations), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var existing domain.IPReputations
	if err := json.Unmarshal(data, &existing); err != nil {
		logger.Warn("Could not parse existing JSON file, creating new file", "path", path, "error", err)
		return make(domain.IPReputations), nil
	}

	// Normalize whatever was on disk so blank keys never survive a rewrite.
	cleaned := make(domain.IPReputations, len(existing))
	for raw, tags := range existing {
		ip, ok := domain.CleanIndicator(raw)
		if !ok {
			continue
		}
		cleaned[ip] = domain.NormalizeTags(cleaned[ip], tags)
	}
	return cleaned, nil
}
