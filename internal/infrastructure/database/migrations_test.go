package database

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/nerrad567/insteon-bridge/migrations"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20260101_000000_devices.up.sql":   {Data: []byte("CREATE TABLE devices (address TEXT PRIMARY KEY);")},
		"20260101_000000_devices.down.sql": {Data: []byte("DROP TABLE devices;")},
		"20260102_000000_links.up.sql":     {Data: []byte("CREATE TABLE links (address TEXT, grp INTEGER);")},
		"20260102_000000_links.down.sql":   {Data: []byte("DROP TABLE links;")},
		"README.md":                        {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return n == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"devices", "links", "schema_migrations"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing after Migrate()", table)
		}
	}

	// A second run finds nothing pending.
	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	applied, pending, err := db.MigrationStatus(ctx, testMigrations())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d, want 2 and 0", len(applied), len(pending))
	}
	if applied[0].Version != "20260101_000000" || applied[0].AppliedAt.IsZero() {
		t.Errorf("applied[0] = %+v", applied[0])
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testMigrations()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx, testMigrations()); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	if tableExists(t, db, "links") {
		t.Error("links table still present after MigrateDown()")
	}
	if !tableExists(t, db, "devices") {
		t.Error("MigrateDown() rolled back more than the latest migration")
	}

	_, pending, err := db.MigrationStatus(ctx, testMigrations())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "links" {
		t.Errorf("pending = %+v, want links", pending)
	}
}

func TestMigrateDownNothingApplied(t *testing.T) {
	db := openTestDB(t)
	if err := db.MigrateDown(context.Background(), testMigrations()); err != nil {
		t.Errorf("MigrateDown() on empty database error = %v", err)
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	fsys := testMigrations()
	fsys["20260103_000000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE broken (; INSERT INTO nowhere")}

	if err := db.Migrate(ctx, fsys); err == nil {
		t.Fatal("Migrate() with broken SQL succeeded")
	}
	applied, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 1 {
		t.Errorf("applied = %d, pending = %d, want 2 and 1", len(applied), len(pending))
	}
}

func TestMigrateMissingUp(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE orphan;")},
	}
	if err := db.Migrate(context.Background(), fsys); err == nil {
		t.Error("Migrate() accepted a migration without up SQL")
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(context.Background(), nil); err != nil {
		t.Errorf("Migrate(nil) error = %v", err)
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations not created")
	}
}

// TestEmbeddedMigrations applies the schema shipped with the bridge, up and
// all the way back down.
func TestEmbeddedMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, table := range []string{"link_tables", "link_records", "devices"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing", table)
		}
	}

	applied, _, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	for range applied {
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
	}
	if tableExists(t, db, "link_records") {
		t.Error("link_records survived a full rollback")
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantDesc    string
		wantIsUp    bool
		wantOk      bool
	}{
		{
			name:        "up migration",
			filename:    "20260301_120000_link_cache.up.sql",
			wantVersion: "20260301_120000",
			wantDesc:    "link_cache",
			wantIsUp:    true,
			wantOk:      true,
		},
		{
			name:        "down migration",
			filename:    "20260302_090000_devices.down.sql",
			wantVersion: "20260302_090000",
			wantDesc:    "devices",
			wantOk:      true,
		},
		{name: "not sql", filename: "readme.txt"},
		{name: "missing direction", filename: "20260301_120000_link_cache.sql"},
		{name: "no version", filename: "schema.up.sql"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, desc, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || desc != tt.wantDesc || isUp != tt.wantIsUp {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)",
					version, desc, isUp, tt.wantVersion, tt.wantDesc, tt.wantIsUp)
			}
		})
	}
}
