// Package all wires every built-in sink backend into the storage factory.
//
// The package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each backend, which register their
// factories with the storage package. Afterwards the kinds "postgres",
// "mssql" and "sqlite" are available through storage.New.
//
//	import _ "sheetsync/internal/storage/all"
//
//	repo, err := storage.New(ctx, storage.Config{Kind: cfg.Sink.Kind, DSN: cfg.Sink.DSN, ...})
//	if err != nil { ... }
//	defer repo.Close()
//
// A binary that needs only one backend can import that backend package
// directly instead.
package all

import (
	_ "sheetsync/internal/storage/mssql"
	_ "sheetsync/internal/storage/postgres"
	_ "sheetsync/internal/storage/sqlite"
)
