// Package repository persists policy versions and the decision audit trail.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/txpolicy/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", domain.ErrConfiguration, cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SavePolicy stores doc as the next version and returns that version.
func (r *SQLRepository) SavePolicy(ctx context.Context, doc *domain.PolicyDocument) (int64, error) {
	if doc == nil || len(doc.Document) == 0 {
		return 0, fmt.Errorf("%w: policy document is required", domain.ErrInvalidInput)
	}

	groups := doc.Groups
	if groups == nil {
		groups = domain.GroupMembership{}
	}
	groupsJSON, err := json.Marshal(groups)
	if err != nil {
		return 0, fmt.Errorf("encode groups: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM policies`).Scan(&version); err != nil {
		return 0, err
	}

	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `INSERT INTO policies (version, document, groups_json, created_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, r.rebind(query), version, string(doc.Document), string(groupsJSON), createdAt); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	doc.Version = version
	doc.CreatedAt = createdAt
	return version, nil
}

// GetActivePolicy returns the highest stored policy version.
func (r *SQLRepository) GetActivePolicy(ctx context.Context) (*domain.PolicyDocument, error) {
	query := `
		SELECT version, document, groups_json, created_at
		FROM policies
		ORDER BY version DESC
		LIMIT 1
	`

	var doc domain.PolicyDocument
	var document, groups string

	err := r.db.QueryRowContext(ctx, query).Scan(&doc.Version, &document, &groups, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc.Document = []byte(document)
	if err := json.Unmarshal([]byte(groups), &doc.Groups); err != nil {
		return nil, fmt.Errorf("failed to parse groups for policy %d: %w", doc.Version, err)
	}

	return &doc, nil
}

// SaveDecision appends a decision to the audit trail.
func (r *SQLRepository) SaveDecision(ctx context.Context, d *domain.Decision) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: decision id is required", domain.ErrInvalidInput)
	}

	var matched sql.NullString
	if d.MatchedRule != nil {
		b, err := json.Marshal(d.MatchedRule)
		if err != nil {
			return fmt.Errorf("encode matched rule: %w", err)
		}
		matched = sql.NullString{String: string(b), Valid: true}
	}
	metadata, _ := json.Marshal(d.Metadata)

	allow := 0
	if d.Allow {
		allow = 1
	}

	query := `
		INSERT INTO decisions (
			id, tx_id, request_id, allow, action, reason,
			rule_index, matched_rule, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.TxID, d.RequestID, allow, d.Action, d.Reason,
		d.RuleIndex, matched, d.Timestamp, string(metadata),
	)
	return err
}

const decisionColumns = `id, tx_id, request_id, allow, action, reason, rule_index, matched_rule, timestamp, metadata`

// GetDecision retrieves a decision by ID.
func (r *SQLRepository) GetDecision(ctx context.Context, id string) (*domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE id = ?`

	d, err := scanDecision(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, err
}

// ListDecisionsByTx returns every decision rendered for a transaction, oldest first.
func (r *SQLRepository) ListDecisionsByTx(ctx context.Context, txID string) ([]*domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE tx_id = ? ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*domain.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}

	return decisions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*domain.Decision, error) {
	var d domain.Decision
	var allow int
	var reason, matched sql.NullString
	var metadata string

	if err := row.Scan(
		&d.ID, &d.TxID, &d.RequestID, &allow, &d.Action, &reason,
		&d.RuleIndex, &matched, &d.Timestamp, &metadata,
	); err != nil {
		return nil, err
	}

	d.Allow = allow == 1
	d.Reason = reason.String
	if matched.Valid {
		var rule domain.PolicyRule
		if err := json.Unmarshal([]byte(matched.String), &rule); err != nil {
			return nil, fmt.Errorf("failed to parse matched rule for %s: %w", d.ID, err)
		}
		d.MatchedRule = &rule
	}
	if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", d.ID, err)
	}

	return &d, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
