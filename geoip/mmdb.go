package geoip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// countryReader is the part of *geoip2.Reader that MMDB uses.
type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// MMDB is a Locator over a MaxMind country database (GeoLite2-Country.mmdb
// or GeoIP2-Country.mmdb).
type MMDB struct {
	r countryReader
}

// OpenMMDB opens a MaxMind database file.
func OpenMMDB(path string) (*MMDB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open mmdb: %w", err)
	}
	return &MMDB{r: r}, nil
}

// Country returns the registered country of ip, falling back to the
// location country.
func (m *MMDB) Country(_ context.Context, ip netip.Addr) (string, error) {
	if !ip.IsValid() {
		return "", fmt.Errorf("geoip: invalid address")
	}
	rec, err := m.r.Country(net.IP(ip.Unmap().AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	if code := rec.RegisteredCountry.IsoCode; code != "" {
		return code, nil
	}
	if code := rec.Country.IsoCode; code != "" {
		return code, nil
	}
	return "", ErrNotFound
}

// Close releases the database.
func (m *MMDB) Close() error { return m.r.Close() }

// Load opens path as a MaxMind database when it ends in .mmdb and as a CSV
// table otherwise. The returned Closer releases it.
func Load(path string, logger *slog.Logger) (Locator, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.EqualFold(filepath.Ext(path), ".mmdb") {
		m, err := OpenMMDB(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("geoip: mmdb loaded", "path", path)
		return m, m, nil
	}
	t, err := LoadCSV(path, logger)
	if err != nil {
		return nil, nil, err
	}
	return t, noClose{}, nil
}

type noClose struct{}

func (noClose) Close() error { return nil }
