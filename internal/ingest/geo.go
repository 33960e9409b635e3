package ingest

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// CountryLookup resolves a buyer IP to an ISO 3166-1 alpha-2 code.
type CountryLookup interface {
	Country(ip string) (string, error)
}

// MaxMindLookup reads a GeoLite2/GeoIP2 Country or City database.
type MaxMindLookup struct {
	reader *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindLookup, error) {
	r, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo database: %w", err)
	}
	return &MaxMindLookup{reader: r}, nil
}

func (m *MaxMindLookup) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	var rec countryRecord
	if err := m.reader.Lookup(parsed, &rec); err != nil {
		return "", fmt.Errorf("geo lookup: %w", err)
	}
	return rec.Country.ISOCode, nil
}

func (m *MaxMindLookup) Close() error {
	return m.reader.Close()
}
