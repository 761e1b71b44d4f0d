package geolite

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

const (
	ASNFileName     = "GeoLite2-ASN.mmdb"
	CountryFileName = "GeoLite2-Country.mmdb"
)

// ErrUnavailable is returned by Open when a database file is missing.
var ErrUnavailable = errors.New("geolite: databases not available")

var (
	datacenterRegex = regexp.MustCompile(`(?i)(amazon|google|microsoft|digitalocean|linode|hetzner|ovh|vultr|ibm|alibaba|tencent|cloudflare|rackspace|hostinger|upcloud|azure|gcp|aws)`)
	ispKeywords     = regexp.MustCompile(`(?i)(isp|broadband|telecom|communications|networks|carrier)`)
)

// Info is the geo context recorded for one attacking IP.
type Info struct {
	Country string `json:"country"`
	ASN     uint   `json:"asn,omitempty"`
	Org     string `json:"org,omitempty"`
	Network string `json:"network"`
}

// Resolver answers country and ASN lookups from local GeoLite2 databases.
type Resolver struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
}

// Open loads both databases from dir.
func Open(dir string) (*Resolver, error) {
	countryPath := filepath.Join(dir, CountryFileName)
	asnPath := filepath.Join(dir, ASNFileName)
	for _, path := range []string{countryPath, asnPath} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, path)
		}
	}

	country, err := geoip2.Open(countryPath)
	if err != nil {
		return nil, fmt.Errorf("country: %w", err)
	}
	asn, err := geoip2.Open(asnPath)
	if err != nil {
		_ = country.Close()
		return nil, fmt.Errorf("asn: %w", err)
	}

	return &Resolver{country: country, asn: asn}, nil
}

func (r *Resolver) Close() error {
	return errors.Join(r.country.Close(), r.asn.Close())
}

// Lookup never fails; unknown fields are reported as "N/A".
func (r *Resolver) Lookup(ipAddress string) Info {
	info := Info{Country: "N/A", Network: "unknown"}

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return info
	}

	if record, err := r.country.Country(ip); err == nil && record.Country.IsoCode != "" {
		info.Country = record.Country.IsoCode
	}
	if record, err := r.asn.ASN(ip); err == nil {
		info.ASN = record.AutonomousSystemNumber
		info.Org = record.AutonomousSystemOrganization
		info.Network = ClassifyOrg(record.AutonomousSystemOrganization)
	}

	return info
}

// ClassifyOrg guesses the network type from an ASN organisation name.
func ClassifyOrg(org string) string {
	lower := strings.ToLower(org)
	switch {
	case lower == "":
		return "unknown"
	case strings.Contains(lower, "customer") || strings.Contains(lower, "residential"):
		return "Residential"
	case datacenterRegex.MatchString(lower):
		return "Datacenter"
	case ispKeywords.MatchString(lower):
		return "ISP"
	default:
		return "N/A"
	}
}

// Lookuper is satisfied by Resolver.
type Lookuper interface {
	Lookup(ip string) Info
}

// WriteGeoFile rewrites path with the geo context of every ip, keyed by IP.
func WriteGeoFile(path string, ips []string, resolver Lookuper) (int, error) {
	out := make(map[string]Info, len(ips))
	for _, ip := range ips {
		if strings.TrimSpace(ip) == "" {
			continue
		}
		out[ip] = resolver.Lookup(ip)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode geo file: %w", err)
	}
	if err := writeToFile(path, strings.NewReader(string(data)+"\n")); err != nil {
		return 0, err
	}
	return len(out), nil
}
