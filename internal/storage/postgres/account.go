package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/cory-johannsen/gamestore/internal/storage"
)

// Register inserts a role-scoped account with a bcrypt-hashed password.
//
// Precondition: role must satisfy storage.ValidRole.
// Postcondition: Returns storage.ErrAccountExists if (username, role) is taken.
func (s *Store) Register(ctx context.Context, username, password string, role storage.Role) error {
	if !storage.ValidRole(role) {
		return storage.ErrInvalidRole
	}
	hash, err := storage.HashPasswordCost(password, s.hashCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO accounts (username, role, password_hash) VALUES ($1, $2, $3)`,
		username, string(role), hash,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrAccountExists
		}
		return fmt.Errorf("inserting account: %w", err)
	}
	return nil
}

// Authenticate verifies credentials against every account with the given
// username, restricted to roleHint when it is non-empty.
//
// Postcondition: Returns the matching role, or storage.ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, username, password string, roleHint storage.Role) (storage.Role, error) {
	rows, err := s.db.Query(ctx,
		`SELECT role, password_hash FROM accounts
		 WHERE username = $1 AND ($2 = '' OR role = $2)
		 ORDER BY role`,
		username, string(roleHint),
	)
	if err != nil {
		return "", fmt.Errorf("querying account: %w", err)
	}
	defer rows.Close()

	type candidate struct{ role, hash string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.role, &c.hash); err != nil {
			return "", fmt.Errorf("scanning account: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterating accounts: %w", err)
	}

	for _, c := range candidates {
		if storage.CheckPassword(password, c.hash) {
			return storage.Role(c.role), nil
		}
	}
	return "", storage.ErrInvalidCredentials
}

// RecordPlay remembers that a player has launched a match of game.
func (s *Store) RecordPlay(ctx context.Context, user, game string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO play_history (username, game_name) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		user, game,
	)
	if err != nil {
		return fmt.Errorf("recording play: %w", err)
	}
	return nil
}

// HasPlayed reports whether user has launched a match of game.
func (s *Store) HasPlayed(ctx context.Context, user, game string) (bool, error) {
	var played bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM play_history WHERE username = $1 AND game_name = $2)`,
		user, game,
	).Scan(&played)
	if err != nil {
		return false, fmt.Errorf("querying play history: %w", err)
	}
	return played, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
