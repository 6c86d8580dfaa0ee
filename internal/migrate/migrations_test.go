package migrate

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"assessline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if v, err := Current(ctx, conn); err != nil || v != 0 {
		t.Fatalf("fresh db: version %d err %v", v, err)
	}
	first, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	second, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if first == 0 || first != second {
		t.Fatalf("versions %d then %d", first, second)
	}
	if v, _ := Current(ctx, conn); v != first {
		t.Fatalf("current %d, want %d", v, first)
	}
}

func TestReadStepsRejectsBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no prefix": {"sql/init.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"sql/001_a.sql": {Data: []byte("SELECT 1;")},
			"sql/1_b.sql":   {Data: []byte("SELECT 1;")},
		},
	}
	for name, fsys := range cases {
		if _, err := readSteps(fsys, "sql"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRefusesNewerDatabase(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	steps := []Step{
		{Version: 1, Name: "001_a.sql", SQL: "CREATE TABLE a(id TEXT);"},
		{Version: 2, Name: "002_b.sql", SQL: "CREATE TABLE b(id TEXT);"},
	}
	if v, err := apply(ctx, conn, steps); err != nil || v != 2 {
		t.Fatalf("apply: %d %v", v, err)
	}
	_, err = apply(ctx, conn, steps[:1])
	if err == nil || !strings.Contains(err.Error(), "newer") {
		t.Fatalf("expected newer-schema error, got %v", err)
	}
}
