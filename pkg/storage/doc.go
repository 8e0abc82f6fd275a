/*
Package storage provides SQLite-backed persistence for the service's
durable state.

The Store interface is a typed repository over three entity tables plus
their indexes; SQLiteStore implements it with sqlx over mattn/go-sqlite3.
Schema changes ship as embedded goose migrations applied automatically
when the store opens.

# Architecture

	┌──────────────────────── SQLITE STORE ─────────────────────┐
	│                                                            │
	│  ┌──────────────────────────────────────────┐              │
	│  │  SQLiteStore (sqlx)                      │              │
	│  │  - WAL journal, foreign keys ON          │              │
	│  │  - single writer (MaxOpenConns = 1)      │              │
	│  └──────────────────┬───────────────────────┘              │
	│                     │                                      │
	│  ┌──────────────────▼───────────────────────┐              │
	│  │  containers   (id PK, alias UNIQUE,      │              │
	│  │                idempotency_key UNIQUE)   │              │
	│  │  execs        (exec_id PK, container FK  │              │
	│  │                ON DELETE CASCADE)        │              │
	│  │  attachments  (autoincrement PK,         │              │
	│  │                container FK CASCADE)     │              │
	│  └──────────────────────────────────────────┘              │
	│                                                            │
	│  goose migrations (embedded, applied on open)              │
	└────────────────────────────────────────────────────────────┘

# Transaction rules

Multi-step mutations run inside a single transaction; transactions are
never nested and never held across an engine call. Uniqueness races
(alias, idempotency key) surface as constraint violations the caller
can detect with IsUniqueViolation and resolve by re-reading the winner.

Deleting a container cascades to its execs and attachments, which is
what ties idempotency-key lifetime to container lifetime.

# Usage

	store, err := storage.NewSQLiteStore("/var/lib/benchd/state.db")
	if err != nil {
		return err
	}
	defer store.Close()

	c, err := store.GetContainerByIdentifier(ctx, "my-alias")

The standalone benchd-migrate tool wraps Migrate, MigrateDown, and
MigrationStatus for deploy-time use.
*/
package storage
