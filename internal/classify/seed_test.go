package classify

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func seedDB(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("seedDB: open: %v", err)
	}
	defer db.Close()
	if err := ensureSchema(db); err != nil {
		t.Fatalf("seedDB: schema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO scanner_ranges (prefix, note) VALUES (?, ?)`,
		"198.51.100.0/24", "test fixture"); err != nil {
		t.Fatalf("seedDB: insert: %v", err)
	}
}
