package classify

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hazyhaar/guardxp/fingerprint"
	"github.com/hazyhaar/guardxp/redact"
)

// Redaction table markers.
const (
	numPass     = 0
	numSuppress = -1
)

// Table maps content fingerprints to their redaction entry. It is loaded
// once per process and shared read-only by every snapshot.
type Table map[fingerprint.Fingerprint]Entry

// rawEntry is the on-disk shape of a table entry:
//
//	{"num": 2, "parts": [[120, 48], [900, 311]]}
type rawEntry struct {
	Num   *int              `json:"num"`
	Parts []json.RawMessage `json:"parts"`
}

// LoadTable reads a redaction table from a JSON file.
func LoadTable(path string, logger *slog.Logger) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("classify: open table: %w", err)
	}
	defer f.Close()
	return ParseTable(f, logger)
}

// ParseTable decodes a redaction table. The document must be a JSON object
// keyed by fingerprint. Entries that cannot be interpreted are loaded as
// Suppress and logged; keys that are not fingerprints are skipped.
func ParseTable(r io.Reader, logger *slog.Logger) (Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var doc map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("classify: decode table: %w", err)
	}

	table := make(Table, len(doc))
	for key, raw := range doc {
		fp, err := fingerprint.Parse(key)
		if err != nil {
			logger.Warn("classify: skipping table key", "key", key, "error", err)
			continue
		}
		entry, err := parseEntry(raw)
		if err != nil {
			logger.Warn("classify: malformed table entry, suppressing resource",
				"hash", fp, "error", err)
			entry = Entry{Disposition: Suppress}
		}
		if entry.Disposition == PartialRedact && len(entry.Ranges) == 0 {
			logger.Warn("classify: redaction entry has no ranges, passing resource through",
				"hash", fp)
			entry = Entry{Disposition: PassThrough}
		}
		table[fp] = entry
	}
	return table, nil
}

func parseEntry(raw json.RawMessage) (Entry, error) {
	var re rawEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		return Entry{}, err
	}
	if re.Num == nil {
		return Entry{}, fmt.Errorf("missing num")
	}

	switch num := *re.Num; {
	case num == numPass:
		return Entry{Disposition: PassThrough}, nil
	case num == numSuppress:
		return Entry{Disposition: Suppress}, nil
	case num < 0:
		return Entry{}, fmt.Errorf("unknown num %d", num)
	}

	ranges := make([]redact.Range, 0, len(re.Parts))
	for i, p := range re.Parts {
		var pair []int64
		if err := json.Unmarshal(p, &pair); err != nil {
			return Entry{}, fmt.Errorf("part %d: %w", i, err)
		}
		if len(pair) != 2 {
			return Entry{}, fmt.Errorf("part %d: want [offset, length], got %d values", i, len(pair))
		}
		ranges = append(ranges, redact.Range{Offset: pair[0], Length: pair[1]})
	}
	return Entry{Disposition: PartialRedact, Ranges: ranges}, nil
}
