package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "harvester-geolite-updater/1.0"
)

// ErrNoLicenseKey indicates that the MaxMind license key has not been configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

type downloadTarget struct {
	editionID string
	filename  string
}

var downloadTargets = []downloadTarget{
	{editionID: "GeoLite2-ASN", filename: ASNFileName},
	{editionID: "GeoLite2-Country", filename: CountryFileName},
}

// Updater downloads the GeoLite2 databases into a directory.
type Updater struct {
	LicenseKey  string
	Dir         string
	DownloadURL string
	HTTPClient  *http.Client
	Logger      *log.Logger

	group singleflight.Group
}

// Update downloads every edition and replaces the files in Dir. Concurrent
// calls share a single download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (interface{}, error) {
		licenseKey := strings.TrimSpace(u.LicenseKey)
		if licenseKey == "" {
			return nil, ErrNoLicenseKey
		}

		if err := os.MkdirAll(u.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}

		for _, target := range downloadTargets {
			if err := u.downloadEdition(ctx, licenseKey, target); err != nil {
				return nil, err
			}
			u.logger().Info("GeoLite database updated", "edition", target.editionID)
		}
		return nil, nil
	})
	return err
}

func (u *Updater) logger() *log.Logger {
	if u.Logger == nil {
		return log.New(io.Discard)
	}
	return u.Logger
}

func (u *Updater) client() *http.Client {
	if u.HTTPClient == nil {
		return &http.Client{Timeout: 2 * time.Minute}
	}
	return u.HTTPClient
}

func (u *Updater) downloadEdition(ctx context.Context, licenseKey string, target downloadTarget) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.buildDownloadURL(licenseKey, target.editionID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client().Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target.editionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", target.editionID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", target.editionID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", target.editionID, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(header.Name) != target.filename {
			continue
		}

		if err := writeToFile(filepath.Join(u.Dir, target.filename), tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", target.editionID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", target.editionID)
}

func (u *Updater) buildDownloadURL(licenseKey, edition string) string {
	base := u.DownloadURL
	if base == "" {
		base = maxMindDownloadURL
	}
	params := url.Values{}
	params.Set("edition_id", edition)
	params.Set("license_key", licenseKey)
	params.Set("suffix", "tar.gz")
	return base + "?" + params.Encode()
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}
