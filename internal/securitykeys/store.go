package securitykeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store defines the persistence interface for credentials, user handles and
// step-up devices.
type Store interface {
	// Credential operations
	GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error)
	GetCredentialByID(ctx context.Context, credentialID string) (*Credential, error)
	ListCredentials(ctx context.Context, userID uuid.UUID) ([]*Credential, error)
	// ListCredentialsByUsername returns an empty slice for unknown usernames
	// so enumeration probes cannot tell absent users from key-less ones
	ListCredentialsByUsername(ctx context.Context, username string) ([]*Credential, error)
	// RegisterCredential inserts the credential and ensures the user's step-up
	// device exists, atomically. ErrCredentialExists on duplicate credential ID.
	RegisterCredential(ctx context.Context, cred *Credential) error
	// UpdateSignCount advances the counter only if it still holds the expected
	// value. ErrSignCountStale when another assertion won the race.
	UpdateSignCount(ctx context.Context, id uuid.UUID, expected, next uint32) error
	DeleteCredential(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// User operations (read-only, accounts are managed elsewhere)
	GetUser(ctx context.Context, userID uuid.UUID) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// User handle operations
	GetUserHandle(ctx context.Context, userID uuid.UUID) (*UserHandle, error)
	// CreateUserHandle returns ErrHandleTaken on any uniqueness conflict,
	// whether the random value collided or a concurrent request allocated
	// a handle for the same user
	CreateUserHandle(ctx context.Context, handle *UserHandle) error

	// Device operations
	GetDevice(ctx context.Context, userID uuid.UUID) (*Device, error)

	// Health check
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

const credentialColumns = `id, user_id, name, credential_id, public_key,
	sign_count, attestation, type, passwordless_login, created_at, updated_at`

// GetCredential retrieves a credential by its database ID
func (s *PostgresStore) GetCredential(ctx context.Context, id uuid.UUID) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + credentialColumns + `
		FROM security_key_credentials
		WHERE id = $1`

	return scanCredential(s.pool.QueryRow(ctx, query, id))
}

// GetCredentialByID retrieves a credential by its authenticator-assigned ID
func (s *PostgresStore) GetCredentialByID(ctx context.Context, credentialID string) (*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + credentialColumns + `
		FROM security_key_credentials
		WHERE credential_id = $1`

	return scanCredential(s.pool.QueryRow(ctx, query, credentialID))
}

// ListCredentials retrieves all credentials for a user
func (s *PostgresStore) ListCredentials(ctx context.Context, userID uuid.UUID) ([]*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT ` + credentialColumns + `
		FROM security_key_credentials
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	return collectCredentials(rows)
}

// ListCredentialsByUsername retrieves all credentials owned by the named user.
// Unknown usernames yield an empty slice, not an error.
func (s *PostgresStore) ListCredentialsByUsername(ctx context.Context, username string) ([]*Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT c.id, c.user_id, c.name, c.credential_id, c.public_key,
			c.sign_count, c.attestation, c.type, c.passwordless_login, c.created_at, c.updated_at
		FROM security_key_credentials c
		JOIN users u ON u.id = c.user_id
		WHERE u.username = $1
		ORDER BY c.created_at DESC`

	rows, err := s.pool.Query(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	return collectCredentials(rows)
}

// RegisterCredential inserts the credential and ensures the user's step-up
// device record in a single transaction.
func (s *PostgresStore) RegisterCredential(ctx context.Context, cred *Credential) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertCredential := `
		INSERT INTO security_key_credentials (
			id, user_id, name, credential_id, public_key,
			sign_count, attestation, type, passwordless_login, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = tx.Exec(ctx, insertCredential,
		cred.ID,
		cred.UserID,
		cred.Name,
		cred.CredentialID,
		cred.PublicKey,
		cred.SignCount,
		cred.Attestation,
		cred.Type,
		cred.PasswordlessLogin,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("insert credential: %w", err)
	}

	ensureDevice := `
		INSERT INTO security_key_devices (id, user_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`

	_, err = tx.Exec(ctx, ensureDevice, uuid.New(), cred.UserID, DefaultDeviceName, time.Now())
	if err != nil {
		return fmt.Errorf("ensure device: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.logger.Info("Registered security key credential",
		zap.String("user_id", cred.UserID.String()),
		zap.String("credential_id", cred.CredentialID),
		zap.String("name", cred.Name),
		zap.Bool("passwordless_login", cred.PasswordlessLogin),
	)

	return nil
}

// UpdateSignCount advances the stored counter with an optimistic compare-and-set
func (s *PostgresStore) UpdateSignCount(ctx context.Context, id uuid.UUID, expected, next uint32) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		UPDATE security_key_credentials
		SET sign_count = $3, updated_at = NOW()
		WHERE id = $1 AND sign_count = $2`

	result, err := s.pool.Exec(ctx, query, id, int64(expected), int64(next))
	if err != nil {
		return fmt.Errorf("update sign count: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrSignCountStale
	}

	return nil
}

// DeleteCredential removes a credential, scoped to its owner
func (s *PostgresStore) DeleteCredential(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `DELETE FROM security_key_credentials WHERE id = $1 AND user_id = $2`

	result, err := s.pool.Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}

	s.logger.Info("Decommissioned security key credential",
		zap.String("id", id.String()),
		zap.String("user_id", userID.String()),
	)

	return nil
}

// GetUser retrieves a user by ID
func (s *PostgresStore) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, username, display_name FROM users WHERE id = $1`

	var user User
	err := s.pool.QueryRow(ctx, query, userID).Scan(&user.ID, &user.Username, &user.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &user, nil
}

// GetUserByUsername retrieves a user by username
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, username, display_name FROM users WHERE username = $1`

	var user User
	err := s.pool.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &user, nil
}

// GetUserHandle retrieves the user's WebAuthn handle
func (s *PostgresStore) GetUserHandle(ctx context.Context, userID uuid.UUID) (*UserHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT user_id, handle, created_at FROM security_key_user_handles WHERE user_id = $1`

	var handle UserHandle
	err := s.pool.QueryRow(ctx, query, userID).Scan(&handle.UserID, &handle.Handle, &handle.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrHandleNotFound
		}
		return nil, fmt.Errorf("get user handle: %w", err)
	}

	return &handle, nil
}

// CreateUserHandle stores a freshly allocated handle
func (s *PostgresStore) CreateUserHandle(ctx context.Context, handle *UserHandle) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `INSERT INTO security_key_user_handles (user_id, handle, created_at) VALUES ($1, $2, $3)`

	_, err := s.pool.Exec(ctx, query, handle.UserID, handle.Handle, handle.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHandleTaken
		}
		return fmt.Errorf("create user handle: %w", err)
	}

	return nil
}

// GetDevice retrieves the user's step-up device
func (s *PostgresStore) GetDevice(ctx context.Context, userID uuid.UUID) (*Device, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `SELECT id, user_id, name, created_at FROM security_key_devices WHERE user_id = $1`

	var device Device
	err := s.pool.QueryRow(ctx, query, userID).Scan(&device.ID, &device.UserID, &device.Name, &device.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}

	return &device, nil
}

// Ping checks if the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanCredential scans a Credential from a database row
func scanCredential(row pgx.Row) (*Credential, error) {
	var cred Credential
	var signCount int64

	err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.Name,
		&cred.CredentialID,
		&cred.PublicKey,
		&signCount,
		&cred.Attestation,
		&cred.Type,
		&cred.PasswordlessLogin,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("scan credential: %w", err)
	}

	cred.SignCount = uint32(signCount)
	return &cred, nil
}

func collectCredentials(rows pgx.Rows) ([]*Credential, error) {
	credentials := []*Credential{}
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return credentials, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
