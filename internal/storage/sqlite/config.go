// Package sqlite implements a SQLite-backed storage.Repository.
package sqlite

import "github.com/sirupsen/logrus"

// Config holds SQLite repository configuration derived from storage.Config.
type Config struct {
	// DSN is a SQLite connection string or file path, e.g.:
	//   "file:warehouse.db?cache=shared"
	//   "warehouse.db" (interpreted by the driver)
	//   ":memory:"
	DSN string

	// Table is the target table, e.g. "erp_backup". A "main." prefix is
	// accepted.
	Table string

	// KeyColumns form the primary key and the upsert conflict target.
	KeyColumns []string

	// StagingTable and AuditTable are plain tables. There are no stored
	// procedures in SQLite; MergeProcedure only names the merge in logs and
	// the audit trail.
	StagingTable   string
	MergeProcedure string
	AuditTable     string

	AutoCreate bool
	Logger     logrus.FieldLogger
}
