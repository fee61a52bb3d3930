// Package filestore is a single-document YAML implementation of storage.Store.
//
// Every operation holds one coarse lock for its whole read-modify-write
// sequence, and every mutation is written through to disk before the call
// returns.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gamestore/internal/storage"
)

// yamlDocument is the on-disk layout.
type yamlDocument struct {
	Users []*yamlUser `yaml:"users"`
	Games []*yamlGame `yaml:"games"`
}

type yamlUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Role         string   `yaml:"role"`
	PlayHistory  []string `yaml:"play_history,omitempty"`
}

type yamlGame struct {
	Name         string        `yaml:"name"`
	Developer    string        `yaml:"dev"`
	Description  string        `yaml:"description"`
	Filename     string        `yaml:"filename"`
	Version      string        `yaml:"version"`
	GameType     string        `yaml:"game_type"`
	MaxPlayers   int           `yaml:"max_players"`
	DownloadedBy []string      `yaml:"downloaded_by"`
	Comments     []yamlComment `yaml:"comments"`
}

type yamlComment struct {
	User    string `yaml:"user"`
	Score   int    `yaml:"score"`
	Content string `yaml:"content"`
}

// Option configures a Store.
type Option func(*Store)

// WithHashCost sets the bcrypt cost used for new passwords.
func WithHashCost(cost int) Option {
	return func(s *Store) { s.hashCost = cost }
}

// Store is a storage.Store persisted as one YAML document.
type Store struct {
	path     string
	hashCost int

	mu  sync.Mutex
	doc yamlDocument
}

var _ storage.Store = (*Store)(nil)

// Open loads the document at path, creating it (and its directory) when absent.
//
// Precondition: path must be non-empty.
// Postcondition: Returns a Store whose document exists on disk, or an error.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{path: path, hashCost: storage.DefaultHashCost}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading store %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &s.doc); err != nil {
			return nil, fmt.Errorf("parsing store %s: %w", path, err)
		}
	}

	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

// save writes the document to a sibling temp file and renames it into place.
// Caller must hold s.mu (or be the constructor).
func (s *Store) save() error {
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp store file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing store: %w", err)
	}
	return nil
}

// commit persists the document. If the write fails, undo restores the
// in-memory state the caller just mutated. Caller must hold s.mu.
func (s *Store) commit(undo func()) error {
	if err := s.save(); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *Store) findUser(username string, role storage.Role) *yamlUser {
	for _, u := range s.doc.Users {
		if u.Username == username && u.Role == string(role) {
			return u
		}
	}
	return nil
}

func (s *Store) findGame(name string) *yamlGame {
	for _, g := range s.doc.Games {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Register implements storage.Store.
func (s *Store) Register(_ context.Context, username, password string, role storage.Role) error {
	if !storage.ValidRole(role) {
		return storage.ErrInvalidRole
	}
	hash, err := storage.HashPasswordCost(password, s.hashCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findUser(username, role) != nil {
		return storage.ErrAccountExists
	}
	users := s.doc.Users
	s.doc.Users = append(s.doc.Users, &yamlUser{
		Username:     username,
		PasswordHash: hash,
		Role:         string(role),
	})
	return s.commit(func() { s.doc.Users = users })
}

// Authenticate implements storage.Store.
func (s *Store) Authenticate(_ context.Context, username, password string, roleHint storage.Role) (storage.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.doc.Users {
		if u.Username != username {
			continue
		}
		if roleHint != "" && storage.Role(u.Role) != roleHint {
			continue
		}
		if storage.CheckPassword(password, u.PasswordHash) {
			return storage.Role(u.Role), nil
		}
	}
	return "", storage.ErrInvalidCredentials
}

// Game implements storage.Store.
func (s *Store) Game(_ context.Context, name string) (storage.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGame(name)
	if g == nil {
		return storage.Game{}, storage.ErrGameNotFound
	}
	return g.toGame(), nil
}

// UpsertGame implements storage.Store.
func (s *Store) UpsertGame(_ context.Context, in storage.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g := s.findGame(in.Name); g != nil {
		if g.Developer != in.Developer {
			return storage.ErrNotOwner
		}
		prev := *g
		g.Description = in.Description
		g.Filename = in.Filename
		g.Version = in.Version
		g.GameType = in.GameType
		g.MaxPlayers = in.MaxPlayers
		return s.commit(func() { *g = prev })
	}

	games := s.doc.Games
	s.doc.Games = append(s.doc.Games, &yamlGame{
		Name:         in.Name,
		Developer:    in.Developer,
		Description:  in.Description,
		Filename:     in.Filename,
		Version:      in.Version,
		GameType:     in.GameType,
		MaxPlayers:   in.MaxPlayers,
		DownloadedBy: []string{},
		Comments:     []yamlComment{},
	})
	return s.commit(func() { s.doc.Games = games })
}

// DeleteGame implements storage.Store.
func (s *Store) DeleteGame(_ context.Context, dev, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, g := range s.doc.Games {
		if g.Name != name {
			continue
		}
		if g.Developer != dev {
			return "", storage.ErrNotOwner
		}
		games := s.doc.Games
		remaining := make([]*yamlGame, 0, len(games)-1)
		remaining = append(remaining, games[:i]...)
		remaining = append(remaining, games[i+1:]...)
		s.doc.Games = remaining
		if err := s.commit(func() { s.doc.Games = games }); err != nil {
			return "", err
		}
		return g.Filename, nil
	}
	return "", storage.ErrGameNotFound
}

// RecordDownload implements storage.Store.
func (s *Store) RecordDownload(_ context.Context, game, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGame(game)
	if g == nil {
		return storage.ErrGameNotFound
	}
	if contains(g.DownloadedBy, user) {
		return nil
	}
	downloaded := g.DownloadedBy
	g.DownloadedBy = append(g.DownloadedBy, user)
	return s.commit(func() { g.DownloadedBy = downloaded })
}

// RecordPlay implements storage.Store.
func (s *Store) RecordPlay(_ context.Context, user, game string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(user, storage.RolePlayer)
	if u == nil || contains(u.PlayHistory, game) {
		return nil
	}
	history := u.PlayHistory
	u.PlayHistory = append(u.PlayHistory, game)
	return s.commit(func() { u.PlayHistory = history })
}

// HasPlayed implements storage.Store.
func (s *Store) HasPlayed(_ context.Context, user, game string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.findUser(user, storage.RolePlayer)
	return u != nil && contains(u.PlayHistory, game), nil
}

// AddComment implements storage.Store.
func (s *Store) AddComment(_ context.Context, game, user string, score int, content string) error {
	if err := storage.ValidateComment(score); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.findGame(game)
	if g == nil {
		return storage.ErrGameNotFound
	}
	for _, c := range g.Comments {
		if c.User == user {
			return storage.ErrAlreadyCommented
		}
	}
	comments := g.Comments
	g.Comments = append(g.Comments, yamlComment{User: user, Score: score, Content: content})
	return s.commit(func() { g.Comments = comments })
}

// ListGames implements storage.Store.
func (s *Store) ListGames(_ context.Context) ([]storage.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.CatalogEntry, 0, len(s.doc.Games))
	for _, g := range s.doc.Games {
		comments := make([]storage.Comment, 0, len(g.Comments))
		for _, c := range g.Comments {
			comments = append(comments, storage.Comment{User: c.User, Score: c.Score, Content: c.Content})
		}
		out = append(out, storage.CatalogEntry{
			Game:         g.toGame(),
			Comments:     comments,
			AvgRating:    storage.AverageRating(comments),
			CommentCount: len(comments),
			Downloads:    len(g.DownloadedBy),
		})
	}
	return out, nil
}

// Ping implements storage.Store by checking that the document is still on disk.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path); err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	return nil
}

// Close implements storage.Store. The document is already on disk.
func (s *Store) Close() error {
	return nil
}

func (g *yamlGame) toGame() storage.Game {
	return storage.Game{
		Name:        g.Name,
		Developer:   g.Developer,
		Description: g.Description,
		Filename:    g.Filename,
		Version:     g.Version,
		GameType:    g.GameType,
		MaxPlayers:  g.MaxPlayers,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
