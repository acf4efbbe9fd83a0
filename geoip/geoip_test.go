package geoip

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `network,country_iso_code,registered_country_iso_code
# comment line
10.0.0.0/8,fr
10.1.0.0/16,de,
10.1.2.0/24,us,ca
2001:db8::/32,jp
not-a-network,xx
192.168.0.0/16,,
`

func TestParseAndLookup(t *testing.T) {
	tbl, err := ParseCSV(strings.NewReader(sample), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tbl.Len() != 4 {
		t.Fatalf("Len = %d, want 4", tbl.Len())
	}

	cases := []struct {
		ip   string
		want string
	}{
		{"10.200.0.1", "FR"},
		{"10.1.9.9", "DE"},
		{"10.1.2.3", "CA"}, // registered country wins
		{"2001:db8::1", "JP"},
		{"::ffff:10.1.9.9", "DE"},
	}
	ctx := context.Background()
	for _, c := range cases {
		got, err := tbl.Country(ctx, netip.MustParseAddr(c.ip))
		if err != nil {
			t.Fatalf("%s: %v", c.ip, err)
		}
		if got != c.want {
			t.Errorf("%s = %q, want %q", c.ip, got, c.want)
		}
	}
}

func TestNotFound(t *testing.T) {
	tbl, _ := ParseCSV(strings.NewReader(sample), nil)
	_, err := tbl.Country(context.Background(), netip.MustParseAddr("8.8.8.8"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := tbl.Country(context.Background(), netip.Addr{}); err == nil {
		t.Fatal("expected error for zero address")
	}
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.csv")
	if err := os.WriteFile(path, []byte("1.2.3.0/24,NL\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tbl, err := LoadCSV(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := tbl.Country(context.Background(), netip.MustParseAddr("1.2.3.4"))
	if err != nil || got != "NL" {
		t.Fatalf("got %q err %v", got, err)
	}
	if _, err := LoadCSV(filepath.Join(t.TempDir(), "missing.csv"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
