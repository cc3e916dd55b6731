package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/meridian-run/meridian/pkg/model"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/meridian.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

//go:embed migrations/001_initial_schema.sql
var schemaRev1 string

type schemaRevision struct {
	rev    int
	label  string
	script string
}

var schemaRevisions = []schemaRevision{
	{rev: 1, label: "initial schema", script: schemaRev1},
}

// Migrate brings the database up to the latest schema revision. Each
// pending revision applies in its own transaction, so a failed revision
// leaves the previous one fully in place.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_revisions (
		rev INTEGER PRIMARY KEY,
		label TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_revisions: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(rev), 0) FROM schema_revisions`).Scan(&current); err != nil {
		return fmt.Errorf("read schema revision: %w", err)
	}

	for _, r := range schemaRevisions {
		if r.rev <= current {
			continue
		}
		if err := s.applyRevision(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *LibSQLStore) applyRevision(ctx context.Context, r schemaRevision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("schema rev %d: begin: %w", r.rev, err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(r.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema rev %d (%s): %w", r.rev, r.label, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_revisions (rev, label) VALUES (?, ?)`, r.rev, r.label); err != nil {
		return fmt.Errorf("schema rev %d: record: %w", r.rev, err)
	}
	return tx.Commit()
}

// sqlStatements drops comment lines from a script and splits the rest on
// semicolons into executable statements.
func sqlStatements(script string) []string {
	var clean strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		clean.WriteString(line)
		clean.WriteByte('\n')
	}

	var stmts []string
	for _, chunk := range strings.Split(clean.String(), ";") {
		if stmt := strings.TrimSpace(chunk); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// --- Definitions ---

// PublishDefinition inserts a definition. Publishing an already-existing
// (namespace, name, version) identity is a Configuration error: definitions
// are append-only.
func (s *LibSQLStore) PublishDefinition(ctx context.Context, def *model.Definition) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO definitions (namespace, name, version, definition) VALUES (?, ?, ?, ?)`,
		def.Namespace, def.Name, def.Version, string(raw),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return model.NewErrorf(model.ErrTypeConfiguration,
			"definition %s already published; definitions are append-only", def.Ref())
	}
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, ref model.DefinitionRef) (*model.Definition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM definitions WHERE namespace = ? AND name = ? AND version = ?`,
		ref.Namespace, ref.Name, ref.Version,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def := &model.Definition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", ref, err)
	}
	return def, nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*model.Definition, error) {
	query := `SELECT definition FROM definitions`
	var where []string
	var args []any
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY namespace, name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*model.Definition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &model.Definition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, rec *InstanceRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (id, namespace, name, version, status, position, input, context, output, last_error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Definition.Namespace, rec.Definition.Name, rec.Definition.Version,
		string(rec.Status), nullStr(rec.Position),
		nullRaw(rec.Input), nullRaw(rec.Context), nullRaw(rec.Output), nullRaw(rec.LastError),
		timeOrNow(rec.CreatedAt), nullTime(rec.StartedAt), nullTime(rec.CompletedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	rec := &InstanceRecord{}
	var position, input, contextRaw, output, lastError sql.NullString
	var started, completed sql.NullTime
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, namespace, name, version, status, position, input, context, output, last_error, created_at, started_at, completed_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Definition.Namespace, &rec.Definition.Name, &rec.Definition.Version,
		&status, &position, &input, &contextRaw, &output, &lastError,
		&rec.CreatedAt, &started, &completed, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Status = model.InstanceStatus(status)
	rec.Position = position.String
	rec.Input = rawOrNil(input)
	rec.Context = rawOrNil(contextRaw)
	rec.Output = rawOrNil(output)
	rec.LastError = rawOrNil(lastError)
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Position != nil {
		sets = append(sets, "position = ?")
		args = append(args, nullStr(*update.Position))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, string(update.LastError))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	query := `SELECT id, namespace, name, version, status, position, input, context, output, last_error, created_at, started_at, completed_at, updated_at FROM instances`
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, filter.Namespace)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*InstanceRecord
	for rows.Next() {
		rec := &InstanceRecord{}
		var position, input, contextRaw, output, lastError sql.NullString
		var started, completed sql.NullTime
		var status string
		if err := rows.Scan(&rec.ID, &rec.Definition.Namespace, &rec.Definition.Name, &rec.Definition.Version,
			&status, &position, &input, &contextRaw, &output, &lastError,
			&rec.CreatedAt, &started, &completed, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Status = model.InstanceStatus(status)
		rec.Position = position.String
		rec.Input = rawOrNil(input)
		rec.Context = rawOrNil(contextRaw)
		rec.Output = rawOrNil(output)
		rec.LastError = rawOrNil(lastError)
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Lifecycle event log ---

// AppendEvent appends an event with a monotonically increasing per-instance
// sequence, inside a single transaction so concurrent writers cannot
// interleave sequence reads and writes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, position, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.Position), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, position, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var position, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &position, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		ev.Position = position.String
		ev.Payload = rawOrNil(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Pending correlations ---

func (s *LibSQLStore) SaveCorrelation(ctx context.Context, rec *CorrelationRecord) error {
	keys, err := json.Marshal(rec.Keys)
	if err != nil {
		return fmt.Errorf("marshal correlation keys: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO correlations (id, instance_id, position, event_type, keys, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET deadline=excluded.deadline`,
		rec.ID, rec.InstanceID, rec.Position, rec.EventType, string(keys),
		nullTime(rec.Deadline), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DeleteCorrelation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM correlations WHERE id = ?`, id)
	return err
}

func (s *LibSQLStore) ListCorrelations(ctx context.Context, instanceID string) ([]*CorrelationRecord, error) {
	query := `SELECT id, instance_id, position, event_type, keys, deadline, created_at FROM correlations`
	var args []any
	if instanceID != "" {
		query += ` WHERE instance_id = ?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*CorrelationRecord
	for rows.Next() {
		rec := &CorrelationRecord{}
		var keys sql.NullString
		var deadline sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.InstanceID, &rec.Position, &rec.EventType, &keys, &deadline, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if keys.Valid && keys.String != "" {
			if err := json.Unmarshal([]byte(keys.String), &rec.Keys); err != nil {
				return nil, fmt.Errorf("unmarshal correlation keys: %w", err)
			}
		}
		if deadline.Valid {
			rec.Deadline = &deadline.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NewErrorf(model.ErrTypeRuntime, "%s %q not found", resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

var _ Store = (*LibSQLStore)(nil)
