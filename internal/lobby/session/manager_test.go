package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gamestore/internal/storage"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "LOGGED_IN", StateLoggedIn.String())
	assert.Equal(t, "IN_ROOM", StateInRoom.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateConnected, StateLoggedIn))
	assert.True(t, CanTransition(StateLoggedIn, StateInRoom))
	assert.True(t, CanTransition(StateInRoom, StateLoggedIn))
	assert.True(t, CanTransition(StateLoggedIn, StateConnected))

	assert.False(t, CanTransition(StateConnected, StateInRoom))
	assert.False(t, CanTransition(StateInRoom, StateConnected))
	assert.False(t, CanTransition(StateLoggedIn, StateLoggedIn))
}

func TestManager_OpenAndClose(t *testing.T) {
	m := NewManager()
	s := m.Open(nil)
	assert.Equal(t, StateConnected, s.State)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	closed, ok := m.Close(s.ID)
	require.True(t, ok)
	assert.Same(t, s, closed)
	assert.Equal(t, 0, m.Count())

	_, ok = m.Close(s.ID)
	assert.False(t, ok)
}

func TestManager_Login(t *testing.T) {
	m := NewManager()
	s := m.Open(nil)

	require.NoError(t, m.Login(s.ID, "alice", storage.RolePlayer))
	assert.Equal(t, StateLoggedIn, s.State)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, storage.RolePlayer, s.Role)

	holder, ok := m.Online(storage.RolePlayer, "alice")
	require.True(t, ok)
	assert.Same(t, s, holder)
}

func TestManager_LoginSameIdentityIsNoOp(t *testing.T) {
	m := NewManager()
	s := m.Open(nil)
	require.NoError(t, m.Login(s.ID, "alice", storage.RolePlayer))
	require.NoError(t, m.Login(s.ID, "alice", storage.RolePlayer))
	assert.Equal(t, StateLoggedIn, s.State)
}

func TestManager_LoginDifferentIdentityRequiresLogout(t *testing.T) {
	m := NewManager()
	s := m.Open(nil)
	require.NoError(t, m.Login(s.ID, "alice", storage.RolePlayer))
	assert.ErrorIs(t, m.Login(s.ID, "bob", storage.RolePlayer), ErrInvalidTransition)

	require.NoError(t, m.Logout(s.ID))
	require.NoError(t, m.Login(s.ID, "bob", storage.RolePlayer))
	_, ok := m.Online(storage.RolePlayer, "alice")
	assert.False(t, ok)
}

func TestManager_AlreadyOnline(t *testing.T) {
	m := NewManager()
	first := m.Open(nil)
	second := m.Open(nil)

	require.NoError(t, m.Login(first.ID, "alice", storage.RolePlayer))
	assert.ErrorIs(t, m.Login(second.ID, "alice", storage.RolePlayer), ErrAlreadyOnline)
	assert.Equal(t, StateConnected, second.State)

	require.NoError(t, m.Login(second.ID, "alice", storage.RoleDeveloper), "identities are role scoped")

	_, ok := m.Close(first.ID)
	require.True(t, ok)
	third := m.Open(nil)
	require.NoError(t, m.Login(third.ID, "alice", storage.RolePlayer))
}

func TestManager_RoomTransitions(t *testing.T) {
	m := NewManager()
	s := m.Open(nil)

	assert.ErrorIs(t, m.EnterRoom(s.ID, 1), ErrInvalidTransition)
	require.NoError(t, m.Login(s.ID, "alice", storage.RolePlayer))
	require.NoError(t, m.EnterRoom(s.ID, 3))
	assert.Equal(t, StateInRoom, s.State)
	assert.Equal(t, 3, s.RoomID)

	assert.ErrorIs(t, m.Logout(s.ID), ErrInvalidTransition, "room departure must come first")

	require.NoError(t, m.ExitRoom(s.ID))
	assert.Equal(t, StateLoggedIn, s.State)
	assert.Equal(t, 0, s.RoomID)
	assert.ErrorIs(t, m.ExitRoom(s.ID), ErrInvalidTransition)

	require.NoError(t, m.Logout(s.ID))
	assert.Equal(t, StateConnected, s.State)
	assert.Empty(t, s.Username)
}

func TestManager_UnknownSession(t *testing.T) {
	m := NewManager()
	s := m.Open(nil)
	m.Close(s.ID)
	assert.ErrorIs(t, m.Login(s.ID, "a", storage.RolePlayer), ErrSessionNotFound)
	assert.ErrorIs(t, m.Logout(s.ID), ErrSessionNotFound)
	assert.ErrorIs(t, m.EnterRoom(s.ID, 1), ErrSessionNotFound)
	assert.ErrorIs(t, m.ExitRoom(s.ID), ErrSessionNotFound)
}

func TestManager_Queries(t *testing.T) {
	m := NewManager()
	names := []string{"carol", "alice", "bob"}
	for i, name := range names {
		s := m.Open(nil)
		require.NoError(t, m.Login(s.ID, name, storage.RolePlayer))
		if i < 2 {
			require.NoError(t, m.EnterRoom(s.ID, 7))
		}
	}
	dev := m.Open(nil)
	require.NoError(t, m.Login(dev.ID, "dave", storage.RoleDeveloper))

	assert.Equal(t, []string{"alice", "bob", "carol"}, m.OnlineUsers(storage.RolePlayer))
	assert.Equal(t, []string{"dave"}, m.OnlineUsers(storage.RoleDeveloper))

	members := m.InRoom(7)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].Username)
	assert.Equal(t, "carol", members[1].Username)
	assert.Empty(t, m.InRoom(8))
	assert.Len(t, m.All(), 4)
}

func TestManager_ConcurrentOpenClose(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := m.Open(nil)
			m.Close(s.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}

// Property: at most one live session holds a (role, username) key, and the
// key is free again after its holder logs out or disconnects.
func TestPropertyOneSessionPerIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewManager()
		var open []*Session
		for i := 0; i < 4; i++ {
			open = append(open, m.Open(nil))
		}
		holders := map[Key]*Session{}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			s := open[rapid.IntRange(0, len(open)-1).Draw(t, "session")]
			switch rapid.IntRange(0, 1).Draw(t, "op") {
			case 0:
				key := Key{
					Role:     rapid.SampledFrom([]storage.Role{storage.RolePlayer, storage.RoleDeveloper}).Draw(t, "role"),
					Username: rapid.SampledFrom([]string{"a", "b"}).Draw(t, "user"),
				}
				err := m.Login(s.ID, key.Username, key.Role)
				holder, held := holders[key]
				switch {
				case held && holder != s:
					if err != ErrAlreadyOnline {
						t.Fatalf("expected ErrAlreadyOnline, got %v", err)
					}
				case s.State == StateLoggedIn && s.Key() != key:
					if err == nil {
						t.Fatalf("login over a different identity must fail")
					}
				case err != nil:
					t.Fatalf("unexpected login error: %v", err)
				default:
					holders[key] = s
				}
			case 1:
				if s.State == StateLoggedIn {
					delete(holders, s.Key())
					if err := m.Logout(s.ID); err != nil {
						t.Fatalf("logout: %v", err)
					}
				}
			}

			for key, holder := range holders {
				got, ok := m.Online(key.Role, key.Username)
				if !ok || got != holder {
					t.Fatalf("registry out of sync for %v", key)
				}
			}
		}
	})
}
