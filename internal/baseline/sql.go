package baseline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLStore keeps the catalog in SQLite. Baselines are stored as JSON
// documents with their lookup columns broken out; catalog order is the
// insertion sequence.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (and creates if needed) the database at dsn.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog db: %w", err)
	}
	// A single connection keeps in-memory databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close catalog db: %w", err)
	}
	return nil
}

func (s *SQLStore) init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS baselines (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			natural_key TEXT NOT NULL UNIQUE,
			layer TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			document TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS baselines_lookup ON baselines (layer, version);`,
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS assignments (
			host_id TEXT NOT NULL,
			layer TEXT NOT NULL,
			baseline_id TEXT NOT NULL,
			PRIMARY KEY (host_id, layer)
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialise catalog schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) PutBaseline(ctx context.Context, b *ReferenceBaseline) error {
	if err := b.Validate(); err != nil {
		return err
	}

	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM baselines WHERE natural_key = ?`, b.Key()).Scan(&existing)
	switch {
	case err == nil:
		b.ID = existing
	case errors.Is(err, sql.ErrNoRows):
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
	default:
		return NewStorageError(err, "put_baseline", b.Key())
	}

	doc, err := json.Marshal(b)
	if err != nil {
		return NewStorageError(err, "put_baseline", b.ID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO baselines (id, natural_key, layer, name, version, document)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			natural_key = excluded.natural_key,
			layer = excluded.layer,
			name = excluded.name,
			version = excluded.version,
			document = excluded.document`,
		b.ID, b.Key(), string(b.Layer), b.Name, b.Version, string(doc))
	if err != nil {
		return NewStorageError(err, "put_baseline", b.ID)
	}
	return nil
}

func (s *SQLStore) queryBaselines(ctx context.Context, op, query string, args ...interface{}) ([]*ReferenceBaseline, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewStorageError(err, op, "")
	}
	defer rows.Close()

	var out []*ReferenceBaseline
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, NewStorageError(err, op, "")
		}
		var b ReferenceBaseline
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, NewStorageError(err, op, "")
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError(err, op, "")
	}
	return out, nil
}

func (s *SQLStore) FindCandidates(ctx context.Context, query CandidateQuery) ([]*ReferenceBaseline, error) {
	sqlQuery := `SELECT document FROM baselines WHERE layer = ?`
	args := []interface{}{string(query.Layer)}
	if query.Version != "" {
		sqlQuery += ` AND version = ?`
		args = append(args, query.Version)
	}
	sqlQuery += ` ORDER BY seq`

	all, err := s.queryBaselines(ctx, "find_candidates", sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	var out []*ReferenceBaseline
	for _, b := range all {
		if query.Matches(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *SQLStore) FindByNamePrefix(ctx context.Context, layer Layer, prefix string) ([]*ReferenceBaseline, error) {
	return s.queryBaselines(ctx, "find_by_prefix",
		`SELECT document FROM baselines WHERE layer = ? AND name LIKE ? ESCAPE '\' ORDER BY seq`,
		string(layer), escapeLike(prefix)+"%")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *SQLStore) GetAssignedBaseline(ctx context.Context, hostID string, layer Layer) (*ReferenceBaseline, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT b.document FROM assignments a
		JOIN baselines b ON b.id = a.baseline_id
		WHERE a.host_id = ? AND a.layer = ?`, hostID, string(layer)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBaselineNotFound
	}
	if err != nil {
		return nil, NewStorageError(err, "get_assignment", hostID)
	}
	var b ReferenceBaseline
	if err := json.Unmarshal([]byte(doc), &b); err != nil {
		return nil, NewStorageError(err, "get_assignment", hostID)
	}
	return &b, nil
}

func (s *SQLStore) SetAssignedBaseline(ctx context.Context, hostID string, layer Layer, b *ReferenceBaseline) error {
	var err error
	if b == nil {
		_, err = s.db.ExecContext(ctx, `DELETE FROM assignments WHERE host_id = ? AND layer = ?`, hostID, string(layer))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO assignments (host_id, layer, baseline_id) VALUES (?, ?, ?)
			ON CONFLICT(host_id, layer) DO UPDATE SET baseline_id = excluded.baseline_id`,
			hostID, string(layer), b.ID)
	}
	if err != nil {
		return NewStorageError(err, "set_assignment", hostID)
	}
	return nil
}

func (s *SQLStore) GetHost(ctx context.Context, hostID string) (*Host, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM hosts WHERE id = ?`, hostID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, NewStorageError(err, "get_host", hostID)
	}
	var h Host
	if err := json.Unmarshal([]byte(doc), &h); err != nil {
		return nil, NewStorageError(err, "get_host", hostID)
	}
	return &h, nil
}

func (s *SQLStore) SaveHost(ctx context.Context, host *Host) error {
	doc, err := json.Marshal(host)
	if err != nil {
		return NewStorageError(err, "save_host", host.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hosts (id, document) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document`,
		host.ID, string(doc))
	if err != nil {
		return NewStorageError(err, "save_host", host.ID)
	}
	return nil
}
