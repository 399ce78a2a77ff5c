package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSQLiteBootstrapsTables(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "nested", "shellbot.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"invocation_log", "invocation_output"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?;", table).Scan(&name); err != nil {
			t.Fatalf("table %q missing: %v", table, err)
		}
	}
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "shellbot.db")
	for i := 0; i < 2; i++ {
		db, err := OpenSQLite(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("OpenSQLite #%d: %v", i+1, err)
		}
		_ = db.Close()
	}
}

func TestOpenSQLiteCascadesOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "shellbot.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `INSERT INTO invocation_log(id, command, fingerprint, requester, channel, state, started_at)
VALUES('a', 'echo', 'blake3:x', 'bob', '#ops', 'completed', '2026-01-01T00:00:00Z');`); err != nil {
		t.Fatalf("insert log: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO invocation_output(invocation_id, seq, text, created_at)
VALUES('a', 0, 'hi', '2026-01-01T00:00:00Z');`); err != nil {
		t.Fatalf("insert output: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM invocation_log WHERE id = 'a';`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocation_output;`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected output rows to cascade, %d left", n)
	}
}
