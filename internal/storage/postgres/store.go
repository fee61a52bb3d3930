package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/gamestore/internal/storage"
)

const pingTimeout = 5 * time.Second

// Store is a storage.Store backed by PostgreSQL.
type Store struct {
	pool     *Pool
	db       *pgxpool.Pool
	hashCost int
}

var _ storage.Store = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithHashCost sets the bcrypt cost used for new passwords.
func WithHashCost(cost int) StoreOption {
	return func(s *Store) { s.hashCost = cost }
}

// NewStore creates a Store over an open pool. Closing the Store closes the pool.
//
// Precondition: pool must be connected and migrated.
func NewStore(pool *Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, db: pool.DB(), hashCost: storage.DefaultHashCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping implements storage.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Health(ctx, pingTimeout)
}

// Close implements storage.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const gameColumns = `name, developer, description, filename, version, game_type, max_players`

func scanGame(row pgx.Row) (storage.Game, error) {
	var g storage.Game
	err := row.Scan(&g.Name, &g.Developer, &g.Description, &g.Filename, &g.Version, &g.GameType, &g.MaxPlayers)
	return g, err
}

// Game implements storage.Store.
func (s *Store) Game(ctx context.Context, name string) (storage.Game, error) {
	g, err := scanGame(s.db.QueryRow(ctx,
		`SELECT `+gameColumns+` FROM games WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Game{}, storage.ErrGameNotFound
		}
		return storage.Game{}, fmt.Errorf("querying game: %w", err)
	}
	return g, nil
}

// UpsertGame inserts the game or replaces its metadata when the existing
// record belongs to the same developer.
//
// Postcondition: Returns storage.ErrNotOwner if another developer owns the name.
func (s *Store) UpsertGame(ctx context.Context, g storage.Game) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx,
			`SELECT developer FROM games WHERE name = $1 FOR UPDATE`, g.Name,
		).Scan(&owner)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = tx.Exec(ctx,
				`INSERT INTO games (`+gameColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				g.Name, g.Developer, g.Description, g.Filename, g.Version, g.GameType, g.MaxPlayers,
			)
			if err != nil {
				if isDuplicateKeyError(err) {
					return storage.ErrNotOwner
				}
				return fmt.Errorf("inserting game: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("locking game: %w", err)
		case owner != g.Developer:
			return storage.ErrNotOwner
		}

		_, err = tx.Exec(ctx,
			`UPDATE games SET description = $2, filename = $3, version = $4,
			        game_type = $5, max_players = $6, updated_at = NOW()
			 WHERE name = $1`,
			g.Name, g.Description, g.Filename, g.Version, g.GameType, g.MaxPlayers,
		)
		if err != nil {
			return fmt.Errorf("updating game: %w", err)
		}
		return nil
	})
}

// DeleteGame implements storage.Store.
func (s *Store) DeleteGame(ctx context.Context, dev, name string) (string, error) {
	var filename string
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx,
			`SELECT developer, filename FROM games WHERE name = $1 FOR UPDATE`, name,
		).Scan(&owner, &filename)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return storage.ErrGameNotFound
			}
			return fmt.Errorf("locking game: %w", err)
		}
		if owner != dev {
			return storage.ErrNotOwner
		}
		if _, err := tx.Exec(ctx, `DELETE FROM games WHERE name = $1`, name); err != nil {
			return fmt.Errorf("deleting game: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return filename, nil
}

// RecordDownload implements storage.Store.
func (s *Store) RecordDownload(ctx context.Context, game, user string) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO game_downloads (game_name, username)
		 SELECT name, $2 FROM games WHERE name = $1
		 ON CONFLICT DO NOTHING`,
		game, user,
	)
	if err != nil {
		return fmt.Errorf("recording download: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Game(ctx, game); err != nil {
			return err
		}
	}
	return nil
}

// AddComment implements storage.Store.
func (s *Store) AddComment(ctx context.Context, game, user string, score int, content string) error {
	if err := storage.ValidateComment(score); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO game_comments (game_name, username, score, content)
		 SELECT name, $2, $3, $4 FROM games WHERE name = $1`,
		game, user, score, content,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrAlreadyCommented
		}
		return fmt.Errorf("inserting comment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrGameNotFound
	}
	return nil
}

// ListGames implements storage.Store.
func (s *Store) ListGames(ctx context.Context) ([]storage.CatalogEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+gameColumns+`,
		        (SELECT COUNT(*) FROM game_downloads d WHERE d.game_name = g.name)
		 FROM games g ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying games: %w", err)
	}
	var entries []storage.CatalogEntry
	index := map[string]int{}
	for rows.Next() {
		var e storage.CatalogEntry
		if err := rows.Scan(&e.Name, &e.Developer, &e.Description, &e.Filename,
			&e.Version, &e.GameType, &e.MaxPlayers, &e.Downloads); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning game: %w", err)
		}
		e.Comments = []storage.Comment{}
		index[e.Name] = len(entries)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating games: %w", err)
	}

	crow, err := s.db.Query(ctx,
		`SELECT game_name, username, score, content FROM game_comments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying comments: %w", err)
	}
	defer crow.Close()
	for crow.Next() {
		var game string
		var c storage.Comment
		if err := crow.Scan(&game, &c.User, &c.Score, &c.Content); err != nil {
			return nil, fmt.Errorf("scanning comment: %w", err)
		}
		if i, ok := index[game]; ok {
			entries[i].Comments = append(entries[i].Comments, c)
		}
	}
	if err := crow.Err(); err != nil {
		return nil, fmt.Errorf("iterating comments: %w", err)
	}

	for i := range entries {
		entries[i].CommentCount = len(entries[i].Comments)
		entries[i].AvgRating = storage.AverageRating(entries[i].Comments)
	}
	if entries == nil {
		entries = []storage.CatalogEntry{}
	}
	return entries, nil
}
