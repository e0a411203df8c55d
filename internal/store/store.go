package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// Embed migration SQL files for schema versioning.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Secret service names as configured through the admin panel.
const (
	SecretGoogleClientID     = "GOOGLE_CLIENT_ID"
	SecretGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	SecretGeminiAPIKey       = "GEMINI_API_KEY"
)

// RoleFallbackAdmin marks principals whose delegated credential is used when
// the acting user has none of their own.
const RoleFallbackAdmin = "fallback-admin"

// Principal is an account record that may hold delegated storage access.
// Token fields are mutated only by the token lifecycle manager; the refresh
// token is written by the external OAuth consent flow.
type Principal struct {
	ID           string
	Role         string
	RefreshToken string
	AccessToken  string
	TokenExpiry  time.Time
}

// HasRefreshToken reports whether this principal holds a delegated credential.
func (p *Principal) HasRefreshToken() bool {
	return p.RefreshToken != ""
}

// Record mirrors the columns of the records table consumed by this core.
type Record struct {
	ID               string
	OwnerID          string
	MessageType      string
	ExtractedDetails string
	ItemsDescription string
	AttachmentURL    string
	Timestamp        time.Time
}

// Store is the sqlite-backed relational store adapter. It owns only the
// token fields of principals and the local record copies; everything else in
// the schema belongs to external collaborators.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Pass ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database %q: %w", path, err)
	}

	// Serialize access through a single connection; modernc/sqlite does not
	// support concurrent writers on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// migrate applies all pending schema migrations using the goose v3 Provider
// API (no global state, context-aware).
func (s *Store) migrate(ctx context.Context) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		s.log.Info().
			Str("source", r.Source.Path).
			Int64("duration_ms", r.Duration.Milliseconds()).
			Msg("Applied migration")
	}

	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetPrincipal loads one principal by id.
func (s *Store) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, role, refresh_token, access_token, token_expiry
		FROM principals WHERE id = ?`, id)

	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: principal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get principal %s: %w", id, err)
	}
	return p, nil
}

// FindFallbackPrincipal returns one principal with the fallback-admin role
// and a non-null refresh token, or nil when no such principal exists.
func (s *Store) FindFallbackPrincipal(ctx context.Context) (*Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, role, refresh_token, access_token, token_expiry
		FROM principals
		WHERE role = ? AND refresh_token IS NOT NULL AND refresh_token != ''
		LIMIT 1`, RoleFallbackAdmin)

	p, err := scanPrincipal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find fallback principal: %w", err)
	}
	return p, nil
}

// UpdateTokens persists a refreshed access token and its expiry onto the
// owner principal's row.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET access_token = ?, token_expiry = ? WHERE id = ?`,
		accessToken, expiry.UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update tokens for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: update tokens for %s: %w", id, ErrNotFound)
	}
	return nil
}

// SaveDelegation stores the full token set obtained from an authorization
// code exchange onto the acting principal's row.
func (s *Store) SaveDelegation(ctx context.Context, id, refreshToken, accessToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE principals SET refresh_token = ?, access_token = ?, token_expiry = ? WHERE id = ?`,
		refreshToken, accessToken, expiry.UTC(), id)
	if err != nil {
		return fmt.Errorf("store: save delegation for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: save delegation for %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertPrincipal creates or replaces a principal row. Principals are created
// by the external signup flow; this exists for bootstrap tooling and tests.
func (s *Store) UpsertPrincipal(ctx context.Context, p *Principal) error {
	var expiry interface{}
	if !p.TokenExpiry.IsZero() {
		expiry = p.TokenExpiry.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, role, refresh_token, access_token, token_expiry)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role,
			refresh_token = excluded.refresh_token,
			access_token = excluded.access_token,
			token_expiry = excluded.token_expiry`,
		p.ID, p.Role, nullable(p.RefreshToken), nullable(p.AccessToken), expiry)
	if err != nil {
		return fmt.Errorf("store: upsert principal %s: %w", p.ID, err)
	}
	return nil
}

// GetSecret reads one shared API secret by service name.
func (s *Store) GetSecret(ctx context.Context, serviceName string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_value FROM secrets WHERE service_name = ?`, serviceName).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: secret %s: %w", serviceName, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("store: get secret %s: %w", serviceName, err)
	}
	return value, nil
}

// SetSecret writes one shared API secret. The admin panel is the normal
// writer; this supports bootstrap tooling and tests.
func (s *Store) SetSecret(ctx context.Context, serviceName, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (service_name, key_value) VALUES (?, ?)
		ON CONFLICT (service_name) DO UPDATE SET key_value = excluded.key_value`,
		serviceName, value)
	if err != nil {
		return fmt.Errorf("store: set secret %s: %w", serviceName, err)
	}
	return nil
}

// SaveRecord inserts or replaces a local copy of a record row.
func (s *Store) SaveRecord(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, message_type, extracted_details, items_description, attachment_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			message_type = excluded.message_type,
			extracted_details = excluded.extracted_details,
			items_description = excluded.items_description,
			attachment_url = excluded.attachment_url`,
		r.ID, r.OwnerID, r.MessageType, r.ExtractedDetails, r.ItemsDescription, r.AttachmentURL, r.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("store: save record %s: %w", r.ID, err)
	}
	return nil
}

// GetRecord loads one record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	var (
		r  Record
		ts time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, message_type, extracted_details, items_description, attachment_url, timestamp
		FROM records WHERE id = ?`, id).
		Scan(&r.ID, &r.OwnerID, &r.MessageType, &r.ExtractedDetails, &r.ItemsDescription, &r.AttachmentURL, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record %s: %w", id, err)
	}
	r.Timestamp = ts
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrincipal(row rowScanner) (*Principal, error) {
	var (
		p       Principal
		refresh sql.NullString
		access  sql.NullString
		expiry  sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Role, &refresh, &access, &expiry); err != nil {
		return nil, err
	}
	p.RefreshToken = refresh.String
	p.AccessToken = access.String
	if expiry.Valid {
		p.TokenExpiry = expiry.Time
	}
	return &p, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
