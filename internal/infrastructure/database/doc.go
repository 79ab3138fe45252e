// Package database provides SQLite connectivity for the Insteon bridge.
//
// The database holds the link table cache and the known-device registry.
// It is opened with WAL mode so the CLI can inspect the
// cache while the daemon runs, and with a single writer connection.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default,
// and each YYYYMMDD_HHMMSS_name.up.sql has a matching .down.sql.
package database
