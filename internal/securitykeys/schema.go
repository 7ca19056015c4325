package securitykeys

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the security key tables if they do not exist.
// The users table belongs to the identity system and is not created here.
func InitializeSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS security_key_credentials (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL,
			name VARCHAR(255) NOT NULL,
			credential_id TEXT NOT NULL UNIQUE,
			public_key BYTEA NOT NULL,
			sign_count BIGINT NOT NULL DEFAULT 0,
			attestation BYTEA,
			type VARCHAR(50) NOT NULL,
			passwordless_login BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_security_key_credentials_user_id
			ON security_key_credentials(user_id);

		CREATE TABLE IF NOT EXISTS security_key_user_handles (
			user_id UUID PRIMARY KEY,
			handle TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS security_key_devices (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("initialize security key schema: %w", err)
	}

	return nil
}
