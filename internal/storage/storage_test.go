package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPasswordCost("secret123", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, "secret123", hash)
	assert.True(t, CheckPassword("secret123", hash))
	assert.False(t, CheckPassword("secret124", hash))
}

// Property: a hash only ever verifies the password it was built from.
func TestPropertyWrongPasswordNeverValidates(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		correct := rapid.StringMatching(`[a-zA-Z0-9]{1,30}`).Draw(t, "correct")
		wrong := rapid.StringMatching(`[a-zA-Z0-9]{1,30}`).Draw(t, "wrong")
		if correct == wrong {
			return
		}
		hash, err := HashPasswordCost(correct, bcrypt.MinCost)
		if err != nil {
			t.Fatalf("hashing: %v", err)
		}
		if CheckPassword(wrong, hash) {
			t.Fatalf("wrong password %q matched hash of %q", wrong, correct)
		}
	})
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole(RolePlayer))
	assert.True(t, ValidRole(RoleDeveloper))
	assert.False(t, ValidRole(""))
	assert.False(t, ValidRole("admin"))
}

func TestValidateComment(t *testing.T) {
	for score := MinScore; score <= MaxScore; score++ {
		assert.NoError(t, ValidateComment(score))
	}
	assert.ErrorIs(t, ValidateComment(0), ErrInvalidScore)
	assert.ErrorIs(t, ValidateComment(6), ErrInvalidScore)
}

func TestAverageRating(t *testing.T) {
	assert.Equal(t, 0.0, AverageRating(nil))
	assert.InDelta(t, 3.5, AverageRating([]Comment{{Score: 3}, {Score: 4}}), 1e-9)
}

type lookupStore struct {
	Store
	games map[string]Game
}

func (s lookupStore) Game(_ context.Context, name string) (Game, error) {
	g, ok := s.games[name]
	if !ok {
		return Game{}, ErrGameNotFound
	}
	return g, nil
}

func TestLookupHelpers(t *testing.T) {
	s := lookupStore{games: map[string]Game{
		"rps": {Name: "rps", Developer: "dev1", Filename: "rps__dev1__v1.0.py", Version: "1.0", MaxPlayers: 2},
	}}
	ctx := context.Background()

	owner, err := OwnerOf(ctx, s, "rps")
	require.NoError(t, err)
	assert.Equal(t, "dev1", owner)

	owner, err = OwnerOf(ctx, s, "missing")
	require.NoError(t, err)
	assert.Empty(t, owner)

	fn, err := FilenameOf(ctx, s, "rps")
	require.NoError(t, err)
	assert.Equal(t, "rps__dev1__v1.0.py", fn)

	v, err := VersionOf(ctx, s, "rps")
	require.NoError(t, err)
	assert.Equal(t, "1.0", v)

	n, err := MaxPlayersOf(ctx, s, "rps")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = MaxPlayersOf(ctx, s, "missing")
	assert.ErrorIs(t, err, ErrGameNotFound)
}
