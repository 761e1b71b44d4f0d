package dataset

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"harvester/internal/domain"
)

// Files names the three merged datasets that share a stem.
type Files struct {
	IPList     string
	IPDetails  string
	DomainList string
}

// Store merges extracted indicators into the dataset files under dir.
type Store struct {
	dir    string
	logger *log.Logger
}

func NewStore(dir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Store{dir: dir, logger: logger}
}

func (s *Store) Files(stem string) Files {
	return Files{
		IPList:     filepath.Join(s.dir, stem+"_ip_data.txt"),
		IPDetails:  filepath.Join(s.dir, stem+"_ip_detailed.json"),
		DomainList: filepath.Join(s.dir, stem+"_domain_data.txt"),
	}
}

// IPMerge is the post-merge state of both IP datasets.
type IPMerge struct {
	List    MergeOutcome
	Details domain.IPReputations
}

// SaveIPs merges ips into the flat IP list and the detailed reputation file.
func (s *Store) SaveIPs(files Files, ips domain.IPReputations) (*IPMerge, error) {
	s.logger.Info("Saving IP data", "list", files.IPList, "details", files.IPDetails)

	list, err := MergeLines(files.IPList, ips.IPs(), s.logger)
	if err != nil {
		return nil, fmt.Errorf("merge ip list: %w", err)
	}

	details, err := MergeDetails(files.IPDetails, ips, s.logger)
	if err != nil {
		return nil, fmt.Errorf("merge ip details: %w", err)
	}

	s.logger.Info("Added new IP entries", "added", len(list.Added), "total", len(list.All))
	return &IPMerge{List: *list, Details: details}, nil
}

// SaveDomains merges domains into the flat domain list.
func (s *Store) SaveDomains(files Files, domains domain.DomainSet) (*MergeOutcome, error) {
	s.logger.Info("Saving domain data", "list", files.DomainList)

	outcome, err := MergeLines(files.DomainList, domains.Sorted(), s.logger)
	if err != nil {
		return nil, fmt.Errorf("merge domain list: %w", err)
	}

	s.logger.Info("Added new domain entries", "added", len(outcome.Added), "total", len(outcome.All))
	return outcome, nil
}

// writeFileAtomic replaces path with data via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmpFile.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}
