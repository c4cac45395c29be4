package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// credentialsRowID is the fixed primary key of the single credentials row.
// One instance holds exactly one set of cloud credentials.
const credentialsRowID = "default"

// CredentialsRepository defines the interface for cloud credential
// persistence.
type CredentialsRepository interface {
	Get(ctx context.Context) (*Credentials, error)
	Save(ctx context.Context, creds *Credentials) error
	Clear(ctx context.Context) error
}

// SQLiteCredentialsRepository implements CredentialsRepository using SQLite.
type SQLiteCredentialsRepository struct {
	db *sql.DB
}

// NewCredentialsRepository creates a new SQLite-backed credentials
// repository.
func NewCredentialsRepository(db *sql.DB) *SQLiteCredentialsRepository {
	return &SQLiteCredentialsRepository{db: db}
}

// Get retrieves the stored credentials. Returns ErrNotLoggedIn when no
// credentials have been stored.
func (r *SQLiteCredentialsRepository) Get(ctx context.Context) (*Credentials, error) {
	var c Credentials
	var updatedAt string

	err := r.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, updated_at
		 FROM cloud_credentials WHERE id = ?`, credentialsRowID,
	).Scan(&c.AccessToken, &c.RefreshToken, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("getting cloud credentials: %w", err)
	}

	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // format is controlled

	return &c, nil
}

// Save stores the credentials, replacing any previous set.
func (r *SQLiteCredentialsRepository) Save(ctx context.Context, creds *Credentials) error {
	now := time.Now().UTC().Format(time.RFC3339)
	creds.UpdatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO cloud_credentials (id, access_token, refresh_token, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at`,
		credentialsRowID, creds.AccessToken, creds.RefreshToken, now,
	)
	if err != nil {
		return fmt.Errorf("saving cloud credentials: %w", err)
	}

	return nil
}

// Clear removes the stored credentials. Clearing an empty store is not an
// error.
func (r *SQLiteCredentialsRepository) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM cloud_credentials WHERE id = ?", credentialsRowID)
	if err != nil {
		return fmt.Errorf("clearing cloud credentials: %w", err)
	}
	return nil
}
