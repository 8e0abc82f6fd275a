package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/benchd/benchd/pkg/types"
)

// SQLiteStore implements Store over a single-file SQLite database
type SQLiteStore struct {
	db   *sqlx.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection sidesteps SQLITE_BUSY
	// under concurrent commits.
	db.SetMaxOpenConns(1)

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Size returns the database file size in bytes
func (s *SQLiteStore) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
// Callers racing on idempotency keys re-read the winner when this is true.
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// containerRow is the database shape of types.Container
type containerRow struct {
	ID                      string     `db:"id"`
	DockerID                string     `db:"docker_id"`
	Alias                   *string    `db:"alias"`
	Image                   string     `db:"image"`
	Digest                  *string    `db:"digest"`
	Persistent              bool       `db:"persistent"`
	CreatedAt               time.Time  `db:"created_at"`
	LastSeen                time.Time  `db:"last_seen"`
	TTLSeconds              *int64     `db:"ttl_s"`
	VolumeName              *string    `db:"volume_name"`
	Status                  string     `db:"status"`
	IdempotencyKey          *string    `db:"idempotency_key"`
	IdempotencyKeyCreatedAt *time.Time `db:"idempotency_key_created_at"`
}

func (r *containerRow) toContainer() *types.Container {
	return &types.Container{
		ID:                      r.ID,
		DockerID:                r.DockerID,
		Alias:                   r.Alias,
		Image:                   r.Image,
		Digest:                  r.Digest,
		Persistent:              r.Persistent,
		CreatedAt:               r.CreatedAt.UTC(),
		LastSeen:                r.LastSeen.UTC(),
		TTLSeconds:              r.TTLSeconds,
		VolumeName:              r.VolumeName,
		Status:                  types.ContainerStatus(r.Status),
		IdempotencyKey:          r.IdempotencyKey,
		IdempotencyKeyCreatedAt: utcPtr(r.IdempotencyKeyCreatedAt),
	}
}

// execRow is the database shape of types.Exec. Command and usage are JSON.
type execRow struct {
	ExecID      string     `db:"exec_id"`
	ContainerID string     `db:"container_id"`
	Command     string     `db:"cmd"`
	AsRoot      bool       `db:"as_root"`
	StartedAt   time.Time  `db:"started_at"`
	EndedAt     *time.Time `db:"ended_at"`
	ExitCode    *int       `db:"exit_code"`
	Usage       *string    `db:"usage"`
}

func (r *execRow) toExec() (*types.Exec, error) {
	e := &types.Exec{
		ExecID:      r.ExecID,
		ContainerID: r.ContainerID,
		AsRoot:      r.AsRoot,
		StartedAt:   r.StartedAt.UTC(),
		EndedAt:     utcPtr(r.EndedAt),
		ExitCode:    r.ExitCode,
	}
	if err := json.Unmarshal([]byte(r.Command), &e.Command); err != nil {
		return nil, fmt.Errorf("failed to decode exec command: %w", err)
	}
	if r.Usage != nil {
		e.Usage = &types.ExecUsage{}
		if err := json.Unmarshal([]byte(*r.Usage), e.Usage); err != nil {
			return nil, fmt.Errorf("failed to decode exec usage: %w", err)
		}
	}
	return e, nil
}

type attachmentRow struct {
	ID          int64      `db:"id"`
	ContainerID string     `db:"container_id"`
	ClientName  string     `db:"client_name"`
	SessionID   string     `db:"session_id"`
	AttachedAt  time.Time  `db:"attached_at"`
	DetachedAt  *time.Time `db:"detached_at"`
}

func (r *attachmentRow) toAttachment() *types.Attachment {
	return &types.Attachment{
		ID:          r.ID,
		ContainerID: r.ContainerID,
		ClientName:  r.ClientName,
		SessionID:   r.SessionID,
		AttachedAt:  r.AttachedAt.UTC(),
		DetachedAt:  utcPtr(r.DetachedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateContainer inserts a new container row
func (s *SQLiteStore) CreateContainer(ctx context.Context, c *types.Container) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (
			id, docker_id, alias, image, digest, persistent,
			created_at, last_seen, ttl_s, volume_name, status,
			idempotency_key, idempotency_key_created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DockerID, c.Alias, c.Image, c.Digest, c.Persistent,
		c.CreatedAt.UTC(), c.LastSeen.UTC(), c.TTLSeconds, c.VolumeName, string(c.Status),
		c.IdempotencyKey, c.IdempotencyKeyCreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) getContainerWhere(ctx context.Context, where, identifier string) (*types.Container, error) {
	var row containerRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM containers WHERE `+where, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.ContainerNotFoundError{Identifier: identifier}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load container: %w", err)
	}
	return row.toContainer(), nil
}

// GetContainer loads a container by id; ContainerNotFoundError when absent
func (s *SQLiteStore) GetContainer(ctx context.Context, id string) (*types.Container, error) {
	return s.getContainerWhere(ctx, "id = ?", id)
}

// GetContainerByAlias loads a container by alias; ContainerNotFoundError when absent
func (s *SQLiteStore) GetContainerByAlias(ctx context.Context, alias string) (*types.Container, error) {
	return s.getContainerWhere(ctx, "alias = ?", alias)
}

// GetContainerByDockerID loads a container by its engine id;
// ContainerNotFoundError when absent
func (s *SQLiteStore) GetContainerByDockerID(ctx context.Context, dockerID string) (*types.Container, error) {
	return s.getContainerWhere(ctx, "docker_id = ?", dockerID)
}

// GetContainerByIdentifier resolves id first, then alias
func (s *SQLiteStore) GetContainerByIdentifier(ctx context.Context, identifier string) (*types.Container, error) {
	c, err := s.GetContainer(ctx, identifier)
	if err == nil || !types.IsContainerNotFound(err) {
		return c, err
	}
	return s.GetContainerByAlias(ctx, identifier)
}

// GetContainerByIdempotencyKey loads a container by idempotency key;
// ContainerNotFoundError when absent
func (s *SQLiteStore) GetContainerByIdempotencyKey(ctx context.Context, key string) (*types.Container, error) {
	return s.getContainerWhere(ctx, "idempotency_key = ?", key)
}

// ListContainers enumerates containers, running-only unless includeStopped
func (s *SQLiteStore) ListContainers(ctx context.Context, includeStopped bool) ([]*types.Container, error) {
	query := `SELECT * FROM containers ORDER BY created_at`
	if !includeStopped {
		query = `SELECT * FROM containers WHERE status = 'running' ORDER BY created_at`
	}

	var rows []containerRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]*types.Container, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toContainer())
	}
	return out, nil
}

// ListContainersByStatus enumerates containers by status, optionally
// filtered by persistence
func (s *SQLiteStore) ListContainersByStatus(ctx context.Context, status types.ContainerStatus, persistent *bool) ([]*types.Container, error) {
	query := `SELECT * FROM containers WHERE status = ?`
	args := []any{string(status)}
	if persistent != nil {
		query += ` AND persistent = ?`
		args = append(args, *persistent)
	}
	query += ` ORDER BY created_at`

	var rows []containerRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list containers by status: %w", err)
	}

	out := make([]*types.Container, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toContainer())
	}
	return out, nil
}

// UpdateContainerStatus sets the container status
func (s *SQLiteStore) UpdateContainerStatus(ctx context.Context, id string, status types.ContainerStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE containers SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update container status: %w", err)
	}
	return requireRow(res, id)
}

// UpdateContainerAlias sets the container alias. A uniqueness conflict
// surfaces as a unique violation for the caller to handle.
func (s *SQLiteStore) UpdateContainerAlias(ctx context.Context, id string, alias string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE containers SET alias = ? WHERE id = ?`, alias, id)
	if err != nil {
		return fmt.Errorf("failed to update container alias: %w", err)
	}
	return requireRow(res, id)
}

// UpdateContainerLastSeen bumps the last_seen timestamp
func (s *SQLiteStore) UpdateContainerLastSeen(ctx context.Context, id string, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE containers SET last_seen = ? WHERE id = ?`, lastSeen.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update container last_seen: %w", err)
	}
	return requireRow(res, id)
}

// DeleteContainer removes the container row, its exec rows, and detaches
// its active attachments in one transaction
func (s *SQLiteStore) DeleteContainer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE attachments SET detached_at = ? WHERE container_id = ? AND detached_at IS NULL`,
		now, id); err != nil {
		return fmt.Errorf("failed to detach attachments: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM execs WHERE container_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete execs: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit container deletion: %w", err)
	}
	return nil
}

// CreateExec inserts a new exec row
func (s *SQLiteStore) CreateExec(ctx context.Context, e *types.Exec) error {
	cmd, err := json.Marshal(e.Command)
	if err != nil {
		return fmt.Errorf("failed to encode exec command: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execs (exec_id, container_id, cmd, as_root, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ExecID, e.ContainerID, string(cmd), e.AsRoot, e.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create exec %s: %w", e.ExecID, err)
	}
	return nil
}

// GetExec loads an exec by id; ExecNotFoundError when absent
func (s *SQLiteStore) GetExec(ctx context.Context, execID string) (*types.Exec, error) {
	var row execRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM execs WHERE exec_id = ?`, execID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.ExecNotFoundError{ExecID: execID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load exec: %w", err)
	}
	return row.toExec()
}

func (s *SQLiteStore) listExecs(ctx context.Context, query string, args ...any) ([]*types.Exec, error) {
	var rows []execRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list execs: %w", err)
	}

	out := make([]*types.Exec, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toExec()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ListActiveExecsByContainer returns execs without an ended_at
func (s *SQLiteStore) ListActiveExecsByContainer(ctx context.Context, containerID string) ([]*types.Exec, error) {
	return s.listExecs(ctx,
		`SELECT * FROM execs WHERE container_id = ? AND ended_at IS NULL ORDER BY started_at`,
		containerID)
}

// ListExecsByContainer returns all execs for a container
func (s *SQLiteStore) ListExecsByContainer(ctx context.Context, containerID string) ([]*types.Exec, error) {
	return s.listExecs(ctx,
		`SELECT * FROM execs WHERE container_id = ? ORDER BY started_at`,
		containerID)
}

// CompleteExec records the terminal state of an exec. It only applies to
// rows that have not ended; a second completion is a no-op, keeping
// ended_at and exit_code immutable once set.
func (s *SQLiteStore) CompleteExec(ctx context.Context, execID string, endedAt time.Time, exitCode int, usage *types.ExecUsage) error {
	var usageJSON *string
	if usage != nil {
		raw, err := json.Marshal(usage)
		if err != nil {
			return fmt.Errorf("failed to encode exec usage: %w", err)
		}
		str := string(raw)
		usageJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE execs SET ended_at = ?, exit_code = ?, usage = ?
		WHERE exec_id = ? AND ended_at IS NULL`,
		endedAt.UTC(), exitCode, usageJSON, execID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete exec %s: %w", execID, err)
	}
	return nil
}

// ListCompletedExecsOlderThan returns execs completed before the cutoff
func (s *SQLiteStore) ListCompletedExecsOlderThan(ctx context.Context, cutoff time.Time) ([]*types.Exec, error) {
	return s.listExecs(ctx,
		`SELECT * FROM execs WHERE ended_at IS NOT NULL AND ended_at < ? ORDER BY ended_at`,
		cutoff.UTC())
}

// DeleteExec removes an exec row
func (s *SQLiteStore) DeleteExec(ctx context.Context, execID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM execs WHERE exec_id = ?`, execID); err != nil {
		return fmt.Errorf("failed to delete exec %s: %w", execID, err)
	}
	return nil
}

// CreateAttachment inserts an attachment and fills its assigned id
func (s *SQLiteStore) CreateAttachment(ctx context.Context, a *types.Attachment) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (container_id, client_name, session_id, attached_at)
		VALUES (?, ?, ?, ?)`,
		a.ContainerID, a.ClientName, a.SessionID, a.AttachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read attachment id: %w", err)
	}
	a.ID = id
	return nil
}

// ListActiveAttachments returns attachments without a detached_at,
// optionally scoped to one container ("" for all)
func (s *SQLiteStore) ListActiveAttachments(ctx context.Context, containerID string) ([]*types.Attachment, error) {
	query := `SELECT * FROM attachments WHERE detached_at IS NULL`
	args := []any{}
	if containerID != "" {
		query += ` AND container_id = ?`
		args = append(args, containerID)
	}
	query += ` ORDER BY attached_at`

	var rows []attachmentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	out := make([]*types.Attachment, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toAttachment())
	}
	return out, nil
}

// DetachAttachment marks a single attachment detached
func (s *SQLiteStore) DetachAttachment(ctx context.Context, id int64, detachedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET detached_at = ? WHERE id = ? AND detached_at IS NULL`,
		detachedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to detach attachment %d: %w", id, err)
	}
	return nil
}

// DetachAllForContainer detaches all active attachments for a container
// and returns how many were detached
func (s *SQLiteStore) DetachAllForContainer(ctx context.Context, containerID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET detached_at = ? WHERE container_id = ? AND detached_at IS NULL`,
		time.Now().UTC(), containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to detach attachments: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count detached attachments: %w", err)
	}
	return int(n), nil
}

// CountContainersByStatus counts containers in a given status
func (s *SQLiteStore) CountContainersByStatus(ctx context.Context, status types.ContainerStatus) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM containers WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count containers: %w", err)
	}
	return n, nil
}

// CountActiveAttachments counts attachments without a detached_at
func (s *SQLiteStore) CountActiveAttachments(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM attachments WHERE detached_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to count attachments: %w", err)
	}
	return n, nil
}

// CountActiveExecs counts execs without an ended_at
func (s *SQLiteStore) CountActiveExecs(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM execs WHERE ended_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to count execs: %w", err)
	}
	return n, nil
}

// Vacuum compacts the database file
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return &types.ContainerNotFoundError{Identifier: id}
	}
	return nil
}
