// Package geoip resolves server addresses to ISO country codes, either from
// a MaxMind country database or from a CSV network table held in a
// path-compressed trie.
package geoip

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/yl2chen/cidranger"
)

// ErrNotFound is returned when no loaded network contains the address.
var ErrNotFound = errors.New("geoip: address not found")

// Locator maps an address to a country code.
type Locator interface {
	Country(ctx context.Context, ip netip.Addr) (string, error)
}

type entry struct {
	network    net.IPNet
	country    string
	registered string
}

func (e *entry) Network() net.IPNet { return e.network }

// code prefers the registered country over the location country.
func (e *entry) code() string {
	if e.registered != "" {
		return e.registered
	}
	return e.country
}

// Table is an in-memory Locator. It is safe for concurrent lookups once
// loaded.
type Table struct {
	ranger cidranger.Ranger
	n      int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{ranger: cidranger.NewPCTrieRanger()}
}

// Insert adds one network. country or registered may be empty, not both.
func (t *Table) Insert(prefix netip.Prefix, country, registered string) error {
	if country == "" && registered == "" {
		return fmt.Errorf("geoip: %s has no country", prefix)
	}
	prefix = prefix.Masked()
	bits := 32
	if prefix.Addr().Is6() {
		bits = 128
	}
	n := net.IPNet{
		IP:   net.IP(prefix.Addr().AsSlice()),
		Mask: net.CIDRMask(prefix.Bits(), bits),
	}
	err := t.ranger.Insert(&entry{
		network:    n,
		country:    strings.ToUpper(country),
		registered: strings.ToUpper(registered),
	})
	if err != nil {
		return err
	}
	t.n++
	return nil
}

// Len returns the number of networks inserted.
func (t *Table) Len() int { return t.n }

// Country returns the code of the most specific network containing ip.
func (t *Table) Country(_ context.Context, ip netip.Addr) (string, error) {
	if !ip.IsValid() {
		return "", fmt.Errorf("geoip: invalid address")
	}
	entries, err := t.ranger.ContainingNetworks(net.IP(ip.Unmap().AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	var best *entry
	bestLen := -1
	for _, re := range entries {
		e, ok := re.(*entry)
		if !ok {
			continue
		}
		ones, _ := e.network.Mask.Size()
		if ones > bestLen {
			best, bestLen = e, ones
		}
	}
	if best == nil {
		return "", ErrNotFound
	}
	return best.code(), nil
}

// LoadCSV reads a table from path. See ParseCSV for the format.
func LoadCSV(path string, logger *slog.Logger) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open: %w", err)
	}
	defer f.Close()
	return ParseCSV(f, logger)
}

// ParseCSV reads rows of network,country[,registered_country]. A header row
// whose first field is "network" is skipped, as are lines starting with '#'.
// Rows that do not parse are logged and skipped.
func ParseCSV(r io.Reader, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	t := NewTable()
	skipped := 0
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("geoip: csv: %w", err)
		}
		if len(rec) == 0 || (line == 1 && strings.EqualFold(rec[0], "network")) {
			continue
		}
		if err := insertRow(t, rec); err != nil {
			skipped++
			logger.Warn("geoip: skipping row", "line", line, "error", err)
		}
	}
	logger.Info("geoip: table loaded", "networks", t.Len(), "skipped", skipped)
	return t, nil
}

func insertRow(t *Table, rec []string) error {
	if len(rec) < 2 {
		return fmt.Errorf("want at least 2 fields, got %d", len(rec))
	}
	prefix, err := netip.ParsePrefix(strings.TrimSpace(rec[0]))
	if err != nil {
		return err
	}
	registered := ""
	if len(rec) > 2 {
		registered = strings.TrimSpace(rec[2])
	}
	return t.Insert(prefix, strings.TrimSpace(rec[1]), registered)
}
