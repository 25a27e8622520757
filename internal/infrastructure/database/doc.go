// Package database opens the SQLite file that holds the command audit log
// and applies its schema migrations.
//
// The controller keeps no telemetry history. The only persisted data is the
// record of write commands: who asked for what, and how the device answered.
//
// Migrations are read from an fs.FS (normally migrations.FS, embedded in the
// binary). Files are named
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// and applied oldest first, each in its own transaction. Applied versions
// are recorded in schema_migrations.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if _, err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
