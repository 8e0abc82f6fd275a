// benchd-migrate runs schema migrations against a benchd state database
// without starting the service. The service applies pending migrations on
// boot; this tool exists for inspecting status, pre-applying migrations
// during deploys, and rolling back a bad release.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/benchd/benchd/pkg/storage"
)

var (
	dbPath  = flag.String("db", "/var/lib/benchd/state.db", "Path to the state database")
	command = flag.String("command", "status", "Migration command: status, up, down")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) && *command != "up" {
		log.Fatalf("Database not found at %s", *dbPath)
	}

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	switch *command {
	case "status":
		err = storage.MigrationStatus(db)
	case "up":
		err = storage.Migrate(db)
	case "down":
		err = storage.MigrateDown(db)
	default:
		err = fmt.Errorf("unknown command %q: must be status, up, or down", *command)
	}
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if *command != "status" {
		log.Printf("Migration %s completed successfully", *command)
	}
}
