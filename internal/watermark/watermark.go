package watermark

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Store persists the delta-query watermark, milliseconds since the Unix
// epoch, as a decimal string in a single file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored watermark. ok is false when no watermark has been
// saved yet. A file that does not hold an integer is an error.
func (s *Store) Load() (ts int64, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read watermark %s: %w", s.path, err)
	}

	ts, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse watermark %s: %w", s.path, err)
	}
	return ts, true, nil
}

// Save overwrites the watermark file.
func (s *Store) Save(ts int64) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create watermark dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(strconv.FormatInt(ts, 10)), 0o644); err != nil {
		return fmt.Errorf("write watermark %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the watermark so the next run fetches without a lower bound.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove watermark %s: %w", s.path, err)
	}
	return nil
}

// FromTime converts t to a watermark value.
func FromTime(t time.Time) int64 {
	return t.UnixMilli()
}

// ToTime converts a watermark value back to local time.
func ToTime(ts int64) time.Time {
	return time.UnixMilli(ts)
}
