package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Summary is everything the text report prints.
type Summary struct {
	Label       string
	GeneratedAt time.Time

	Incidents     int
	UniqueIPs     int
	UniqueDomains int

	IPListPath     string
	IPDetailsPath  string
	DomainListPath string
	WatermarkPath  string
	// GeoPath is optional; the line is omitted when empty.
	GeoPath string
}

const header = `Imperva Incident Data Extraction Summary
Report Generated: %s

Data Collection Information:
---------------------------
Total Incidents Processed: %d
Unique IP Addresses Found: %d
Unique Domains Found: %d

File Information:
---------------
IP Address List: %s
IP Address Details: %s
Domain List: %s
Timestamp File: %s
`

const footer = `
This report was automatically generated by the Imperva Data Extractor tool.
`

// Render returns the report text.
func Render(s Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, header,
		s.GeneratedAt.Format(time.DateTime),
		s.Incidents,
		s.UniqueIPs,
		s.UniqueDomains,
		filepath.ToSlash(s.IPListPath),
		filepath.ToSlash(s.IPDetailsPath),
		filepath.ToSlash(s.DomainListPath),
		filepath.ToSlash(s.WatermarkPath),
	)
	if s.GeoPath != "" {
		fmt.Fprintf(&b, "IP Geo Details: %s\n", filepath.ToSlash(s.GeoPath))
	}
	b.WriteString(footer)
	return b.String()
}

// Write renders s into <dir>/<label>_summary.txt, replacing any earlier
// report with the same label, and returns the path.
func Write(dir string, s Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}

	path := filepath.Join(dir, s.Label+"_summary.txt")
	if err := os.WriteFile(path, []byte(Render(s)), 0o644); err != nil {
		return "", fmt.Errorf("write report %s: %w", path, err)
	}
	return path, nil
}
