// Package classify provides the "scanner-like" classification flag a
// Shard looks up for a probe's target address and hands to the Prober
// Manager with the request for its TargetKey (spec.md §3 calls the derivation itself out of
// scope; this package supplies a concrete, swappable source for it).
//
// It is backed by a small SQLite table of CIDR prefixes, loaded once at
// startup — the same "local lookup database, loaded lazily, read-mostly"
// shape as the teacher's internal/dvbdb package and its use of
// modernc.org/sqlite in internal/plex/dvr.go.
package classify

import (
	"database/sql"
	"fmt"
	"net/netip"

	_ "modernc.org/sqlite"
)

// Classifier answers IsScannerLike for a given source address. The zero
// value (via NewNoop) always answers false.
type Classifier struct {
	prefixes []netip.Prefix
}

// NewNoop returns a Classifier that never flags an address as scanner-like.
// Used when Config.ScannerDBPath is empty — spec.md treats the derivation
// as an open external concern, so "nothing is scanner-like" is the inert
// default rather than a startup failure.
func NewNoop() *Classifier {
	return &Classifier{}
}

// Load opens the SQLite database at path and reads every row of
//
//	scanner_ranges(prefix TEXT NOT NULL, note TEXT)
//
// into memory. A missing or empty database yields a Classifier
// equivalent to NewNoop (degrade, don't fail startup, per spec.md's
// "never guess intent" stance on this open question — but an unreadable
// *path* that was explicitly configured is still surfaced as an error so
// operators notice a typo).
func Load(path string) (*Classifier, error) {
	if path == "" {
		return NewNoop(), nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("classify: open %s: %w", path, err)
	}
	defer db.Close()

	if err := ensureSchema(db); err != nil {
		return nil, fmt.Errorf("classify: schema %s: %w", path, err)
	}

	rows, err := db.Query(`SELECT prefix FROM scanner_ranges`)
	if err != nil {
		return nil, fmt.Errorf("classify: query %s: %w", path, err)
	}
	defer rows.Close()

	c := &Classifier{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("classify: scan %s: %w", path, err)
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			// A malformed row is a data problem, not a startup fatal;
			// skip it and keep going.
			continue
		}
		c.prefixes = append(c.prefixes, prefix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("classify: iterate %s: %w", path, err)
	}
	return c, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS scanner_ranges (
		prefix TEXT NOT NULL,
		note   TEXT
	)`)
	return err
}

// IsScannerLike reports whether addr falls within any configured
// scanner-like prefix.
func (c *Classifier) IsScannerLike(addr netip.Addr) bool {
	if c == nil {
		return false
	}
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Add registers an additional prefix at runtime (used by tests). Not
// persisted back to the database.
func (c *Classifier) Add(prefix netip.Prefix) {
	c.prefixes = append(c.prefixes, prefix)
}
