// Package storage defines the catalog and credential store contract used by
// the lobby, together with the types and errors shared by its drivers.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// Role is an account's privilege class. Identity is role-scoped: the same
// username may be registered once per role.
type Role string

// Account roles.
const (
	RolePlayer    Role = "player"
	RoleDeveloper Role = "developer"
)

// ValidRole reports whether role is a recognised account role.
func ValidRole(role Role) bool {
	switch role {
	case RolePlayer, RoleDeveloper:
		return true
	}
	return false
}

// Score bounds for comments.
const (
	MinScore = 1
	MaxScore = 5
)

var (
	// ErrAccountExists is returned when registering a (username, role) that already exists.
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidCredentials is returned when authentication fails for any reason.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRole is returned when an unrecognised role string is supplied.
	ErrInvalidRole = errors.New("invalid role")
	// ErrGameNotFound is returned when a catalog lookup yields no results.
	ErrGameNotFound = errors.New("game not found")
	// ErrNotOwner is returned when a developer mutates a game they do not own.
	ErrNotOwner = errors.New("game owned by another developer")
	// ErrAlreadyCommented is returned on a second comment by the same user.
	ErrAlreadyCommented = errors.New("user already commented on this game")
	// ErrInvalidScore is returned when a comment score is outside [MinScore, MaxScore].
	ErrInvalidScore = errors.New("invalid score")
)

// Game is the mutable metadata of a published game.
type Game struct {
	Name        string `json:"name"`
	Developer   string `json:"dev"`
	Description string `json:"description"`
	Filename    string `json:"filename"`
	Version     string `json:"version"`
	GameType    string `json:"game_type"`
	MaxPlayers  int    `json:"max_players"`
}

// Comment is one user's rating of a game.
type Comment struct {
	User    string `json:"user"`
	Score   int    `json:"score"`
	Content string `json:"content"`
}

// CatalogEntry is a game as presented by list_games, with computed aggregates.
type CatalogEntry struct {
	Game
	Comments     []Comment `json:"comments"`
	AvgRating    float64   `json:"avg_rating"`
	CommentCount int       `json:"comment_count"`
	Downloads    int       `json:"downloads"`
}

// Store is the persistent catalog and credential store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Register creates an account. Returns ErrAccountExists for a duplicate (username, role).
	Register(ctx context.Context, username, password string, role Role) error
	// Authenticate validates credentials and returns the account's role. A non-empty
	// roleHint restricts the match to that role. Returns ErrInvalidCredentials on failure.
	Authenticate(ctx context.Context, username, password string, roleHint Role) (Role, error)
	// Game returns a game's metadata or ErrGameNotFound.
	Game(ctx context.Context, name string) (Game, error)
	// UpsertGame inserts g or updates the existing entry owned by g.Developer.
	// Returns ErrNotOwner if the name belongs to another developer.
	UpsertGame(ctx context.Context, g Game) error
	// DeleteGame removes a game owned by dev and returns its stored filename.
	// Returns ErrGameNotFound or ErrNotOwner.
	DeleteGame(ctx context.Context, dev, name string) (string, error)
	// RecordDownload adds user to the game's downloaders.
	RecordDownload(ctx context.Context, game, user string) error
	// RecordPlay adds game to the player's play history.
	RecordPlay(ctx context.Context, user, game string) error
	// HasPlayed reports whether the player has game in their play history.
	HasPlayed(ctx context.Context, user, game string) (bool, error)
	// AddComment stores the single comment user may leave on game.
	AddComment(ctx context.Context, game, user string, score int, content string) error
	// ListGames returns a snapshot of the catalog with computed aggregates.
	ListGames(ctx context.Context) ([]CatalogEntry, error)
	// Ping reports whether the backing medium is reachable.
	Ping(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}

// OwnerOf returns the developer that owns game, or "" if the game does not exist.
func OwnerOf(ctx context.Context, s Store, game string) (string, error) {
	g, err := s.Game(ctx, game)
	if errors.Is(err, ErrGameNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return g.Developer, nil
}

// FilenameOf returns the stored asset filename for game.
func FilenameOf(ctx context.Context, s Store, game string) (string, error) {
	g, err := s.Game(ctx, game)
	if err != nil {
		return "", err
	}
	return g.Filename, nil
}

// VersionOf returns the published version of game.
func VersionOf(ctx context.Context, s Store, game string) (string, error) {
	g, err := s.Game(ctx, game)
	if err != nil {
		return "", err
	}
	return g.Version, nil
}

// MaxPlayersOf returns the room capacity configured for game.
func MaxPlayersOf(ctx context.Context, s Store, game string) (int, error) {
	g, err := s.Game(ctx, game)
	if err != nil {
		return 0, err
	}
	return g.MaxPlayers, nil
}

// ValidateComment checks a comment before it is stored.
func ValidateComment(score int) error {
	if score < MinScore || score > MaxScore {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidScore, score, MinScore, MaxScore)
	}
	return nil
}

// AverageRating computes the mean score of comments, or 0 with no comments.
func AverageRating(comments []Comment) float64 {
	if len(comments) == 0 {
		return 0
	}
	total := 0
	for _, c := range comments {
		total += c.Score
	}
	return float64(total) / float64(len(comments))
}
