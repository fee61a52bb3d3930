package lobby_test

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/cory-johannsen/gamestore/internal/assets"
	"github.com/cory-johannsen/gamestore/internal/config"
	"github.com/cory-johannsen/gamestore/internal/lobby"
	"github.com/cory-johannsen/gamestore/internal/match"
	"github.com/cory-johannsen/gamestore/internal/storage"
	"github.com/cory-johannsen/gamestore/internal/storage/filestore"
	"github.com/cory-johannsen/gamestore/internal/testutil"
	"github.com/cory-johannsen/gamestore/internal/transfer"
)

const waitFor = 2 * time.Second

type harness struct {
	srv      *lobby.Server
	store    *filestore.Store
	assets   *assets.Dir
	launcher *match.Launcher
	addr     string
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	store, err := filestore.Open(filepath.Join(dir, "gamestore.yaml"), filestore.WithHashCost(bcrypt.MinCost))
	require.NoError(t, err)
	uploads, err := assets.Open(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	transfers := transfer.NewManager(config.TransferConfig{
		Host:          "127.0.0.1",
		AcceptTimeout: 2 * time.Second,
		IOTimeout:     2 * time.Second,
		ChunkSize:     512,
		MaxConcurrent: 4,
	}, logger)
	launcher := match.NewLauncher(config.MatchConfig{BasePort: 14010, Interpreter: "/bin/sh"}, logger)

	srv := lobby.NewServer(config.ControlConfig{
		Host:         "127.0.0.1",
		Port:         0,
		WriteTimeout: 2 * time.Second,
	}, store, uploads, transfers, launcher, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	deadline := time.After(waitFor)
	for !srv.IsRunning() || srv.Addr() == "" {
		select {
		case err := <-errCh:
			t.Fatalf("lobby failed to start: %v", err)
		case <-deadline:
			t.Fatal("lobby did not start in time")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	t.Cleanup(func() {
		srv.Stop()
		transfers.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = launcher.Stop(ctx)
		_ = store.Close()
	})

	return &harness{srv: srv, store: store, assets: uploads, launcher: launcher, addr: srv.Addr(), dir: dir}
}

// publish seeds a catalog game whose asset is a shell script recording its arguments.
func (h *harness) publish(t *testing.T, name, dev string, maxPlayers int) storage.Game {
	t.Helper()
	g := storage.Game{
		Name:       name,
		Developer:  dev,
		Filename:   assets.FileName(name, dev, "1.0", "game.sh"),
		Version:    "1.0",
		GameType:   "CLI",
		MaxPlayers: maxPlayers,
	}
	script := "#!/bin/sh\necho \"$@\" > \"" + filepath.Join(h.dir, name+".args") + "\"\n"
	require.NoError(t, os.WriteFile(h.assets.Path(g.Filename), []byte(script), 0o755))
	require.NoError(t, h.store.UpsertGame(context.Background(), g))
	return g
}

func (h *harness) client(t *testing.T) *testutil.LobbyClient {
	return testutil.NewLobbyClient(t, h.addr)
}

// login registers and logs in a fresh client under the given role.
func (h *harness) login(t *testing.T, username string, role storage.Role) *testutil.LobbyClient {
	t.Helper()
	c := h.client(t)
	resp := c.Call(map[string]any{"action": "register", "username": username, "password": "pw", "role": string(role)})
	require.Equal(t, "ok", resp.String("status"), "register %s: %v", username, resp)
	resp = c.Call(map[string]any{"action": "login", "username": username, "password": "pw", "role": string(role)})
	require.Equal(t, "ok", resp.String("status"), "login %s: %v", username, resp)
	return c
}

func requireError(t *testing.T, resp testutil.Message, code string) {
	t.Helper()
	require.Equal(t, "error", resp.String("status"), "expected error, got %v", resp)
	assert.Equal(t, code, resp.String("code"), "message: %s", resp.String("message"))
}

func requireOK(t *testing.T, resp testutil.Message, msgAndArgs ...any) {
	t.Helper()
	if resp.String("status") != "ok" {
		require.Failf(t, "expected ok", "got %v %v", resp, msgAndArgs)
	}
}

func TestServer_StartAndStop(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)
	requireOK(t, c.Call(map[string]any{"action": "logout"}))

	require.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, 10*time.Millisecond)
	h.srv.Stop()
	assert.False(t, h.srv.IsRunning())
	c.ExpectClosed(waitFor)
}

func TestServer_MalformedAndUnknown(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	c.SendRaw([]byte("{not json"))
	requireError(t, c.Recv(waitFor), "bad_request")

	resp := c.Call(map[string]any{"action": "fly"})
	requireError(t, resp, "unknown_action")
	assert.Equal(t, "Unknown action: fly", resp.String("message"))

	requireError(t, c.Call(map[string]any{"action": "list_games"}), "invalid_state")
	requireError(t, c.Call(map[string]any{"action": "start_game"}), "invalid_state")
	requireOK(t, c.Call(map[string]any{"action": "logout"}))
}

func TestServer_FramingFaultClosesConnection(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)
	require.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, 10*time.Millisecond)

	_, err := c.Conn().Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	c.ExpectClosed(waitFor)
	require.Eventually(t, func() bool { return h.srv.SessionCount() == 0 }, waitFor, 10*time.Millisecond)
}

func TestServer_OversizedResponseBecomesFault(t *testing.T) {
	h := newHarness(t)
	for _, name := range []string{"snake", "pong", "tetris"} {
		require.NoError(t, h.store.UpsertGame(context.Background(), storage.Game{
			Name:        name,
			Developer:   "dev1",
			Description: strings.Repeat("d", 30_000),
			Filename:    name + "__dev1__v1.0.py",
			Version:     "1.0",
			GameType:    "CLI",
			MaxPlayers:  2,
		}))
	}
	a := h.login(t, "alice", storage.RolePlayer)

	resp := a.Call(map[string]any{"action": "list_games"})
	requireError(t, resp, "server_fault")
	assert.Equal(t, "Server exception: response too large", resp.String("message"))

	requireOK(t, a.Call(map[string]any{"action": "list_rooms"}), "connection stays usable")
}

func TestServer_RegisterIsRoleScoped(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)

	requireOK(t, c.Call(map[string]any{"action": "register", "username": "bob", "password": "p1", "role": "player"}))
	requireOK(t, c.Call(map[string]any{"action": "register", "username": "bob", "password": "p2", "role": "developer"}))
	requireError(t, c.Call(map[string]any{"action": "register", "username": "bob", "password": "p3", "role": "player"}), "auth_failure")
	requireError(t, c.Call(map[string]any{"action": "register", "username": "eve", "password": "p", "role": "admin"}), "bad_request")
	requireError(t, c.Call(map[string]any{"action": "register", "username": "", "password": "p"}), "bad_request")

	requireError(t, c.Call(map[string]any{"action": "login", "username": "bob", "password": "p1", "role": "developer"}), "auth_failure")

	resp := c.Call(map[string]any{"action": "login", "username": "bob", "password": "p2", "role": "developer"})
	requireOK(t, resp)
	assert.Equal(t, "developer", resp.String("role"))

	resp = c.Call(map[string]any{"action": "login", "username": "bob", "password": "p2"})
	requireOK(t, resp)
	assert.Equal(t, "developer", resp.String("role"), "re-login as the same identity succeeds")
}

func TestServer_RegisterDefaultsToPlayer(t *testing.T) {
	h := newHarness(t)
	c := h.client(t)
	requireOK(t, c.Call(map[string]any{"action": "register", "username": "zed", "password": "pw"}))
	resp := c.Call(map[string]any{"action": "login", "username": "zed", "password": "pw"})
	requireOK(t, resp)
	assert.Equal(t, "player", resp.String("role"))
}

func TestServer_AlreadyOnline(t *testing.T) {
	h := newHarness(t)
	first := h.login(t, "alice", storage.RolePlayer)

	second := h.client(t)
	resp := second.Call(map[string]any{"action": "login", "username": "alice", "password": "pw", "role": "player"})
	requireError(t, resp, "auth_failure")
	assert.Equal(t, "This account is already online.", resp.String("message"))

	first.Close()
	require.Eventually(t, func() bool { return h.srv.SessionCount() == 1 }, waitFor, 10*time.Millisecond)

	requireOK(t, second.Call(map[string]any{"action": "login", "username": "alice", "password": "pw", "role": "player"}))
}

func TestServer_LoginAfterLogout(t *testing.T) {
	h := newHarness(t)
	first := h.login(t, "alice", storage.RolePlayer)
	requireOK(t, first.Call(map[string]any{"action": "logout"}))
	requireError(t, first.Call(map[string]any{"action": "list_rooms"}), "invalid_state")

	second := h.client(t)
	requireOK(t, second.Call(map[string]any{"action": "login", "username": "alice", "password": "pw"}))
}

func TestServer_ListPlayers(t *testing.T) {
	h := newHarness(t)
	a := h.login(t, "alice", storage.RolePlayer)
	h.login(t, "bob", storage.RolePlayer)
	h.login(t, "dave", storage.RoleDeveloper)

	resp := a.Call(map[string]any{"action": "list_players"})
	requireOK(t, resp)
	assert.Equal(t, []any{"alice", "bob"}, resp["data"])
}

func TestServer_RoomCapacity(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 2)
	a := h.login(t, "alice", storage.RolePlayer)
	b := h.login(t, "bob", storage.RolePlayer)
	c := h.login(t, "carol", storage.RolePlayer)

	resp := a.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"})
	requireOK(t, resp)
	roomID := resp.Int("room_id")
	assert.Equal(t, 1, roomID)
	assert.Equal(t, []any{"alice"}, resp.Map("data")["players"])

	resp = b.Call(map[string]any{"action": "join_room", "room_id": roomID})
	requireOK(t, resp)
	assert.Equal(t, []any{"alice", "bob"}, resp.Map("data")["players"])

	push := a.NextPush(waitFor)
	assert.Equal(t, "player_joined", push.String("action"))
	assert.Equal(t, "bob", push.String("username"))

	requireError(t, c.Call(map[string]any{"action": "join_room", "room_id": roomID}), "capacity_violation")
	requireError(t, c.Call(map[string]any{"action": "join_room", "room_id": 99}), "resource_missing")
	requireError(t, b.Call(map[string]any{"action": "create_room", "room_name": "x", "game_name": "snake"}), "invalid_state")

	list := c.Call(map[string]any{"action": "list_rooms"})
	requireOK(t, list)
	rooms := list["data"].([]any)
	require.Len(t, rooms, 1)
	assert.EqualValues(t, 2, rooms[0].(map[string]any)["players"])

	info := c.Call(map[string]any{"action": "room_info", "room_id": roomID})
	requireOK(t, info)
	assert.Equal(t, "alice", info.Map("data")["host"])
}

func TestServer_MemberLeaves(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 3)
	a := h.login(t, "alice", storage.RolePlayer)
	b := h.login(t, "bob", storage.RolePlayer)

	roomID := a.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}).Int("room_id")
	requireOK(t, b.Call(map[string]any{"action": "join_room", "room_id": roomID}))
	assert.Equal(t, "player_joined", a.NextPush(waitFor).String("action"))

	requireOK(t, b.Call(map[string]any{"action": "leave_room"}))
	push := a.NextPush(waitFor)
	assert.Equal(t, "player_left", push.String("action"))
	assert.Equal(t, "bob", push.String("username"))
	assert.Equal(t, []any{"alice"}, push.Map("data")["players"])

	requireOK(t, b.Call(map[string]any{"action": "leave_room"}), "leaving outside a room is a no-op")
}

func TestServer_HostDisconnectDisbandsOnce(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 3)
	a := h.login(t, "alice", storage.RolePlayer)
	b := h.login(t, "bob", storage.RolePlayer)
	c := h.login(t, "carol", storage.RolePlayer)

	roomID := a.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}).Int("room_id")
	requireOK(t, b.Call(map[string]any{"action": "join_room", "room_id": roomID}))
	requireOK(t, c.Call(map[string]any{"action": "join_room", "room_id": roomID}))
	assert.Equal(t, "player_joined", b.NextPush(waitFor).String("action"))

	a.Close()

	for _, member := range []*testutil.LobbyClient{b, c} {
		assert.Equal(t, "room_disbanded", member.NextPush(waitFor).String("action"))
		member.ExpectSilence(200 * time.Millisecond)
	}
	assert.Zero(t, h.srv.RoomCount())

	resp := b.Call(map[string]any{"action": "create_room", "room_name": "again", "game_name": "snake"})
	requireOK(t, resp, "disbanded members are back in the lobby")
	assert.Equal(t, 1, resp.Int("room_id"), "room ids are reused")
}

func TestServer_LoginAsAnotherIdentityLeavesRoom(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 2)
	a := h.login(t, "alice", storage.RolePlayer)
	b := h.login(t, "bob", storage.RolePlayer)

	roomID := a.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}).Int("room_id")
	requireOK(t, b.Call(map[string]any{"action": "join_room", "room_id": roomID}))

	requireOK(t, b.Call(map[string]any{"action": "register", "username": "bob2", "password": "pw"}))
	requireOK(t, b.Call(map[string]any{"action": "login", "username": "bob2", "password": "pw"}))

	assert.Equal(t, "player_joined", a.NextPush(waitFor).String("action"))
	push := a.NextPush(waitFor)
	assert.Equal(t, "player_left", push.String("action"))
	assert.Equal(t, "bob", push.String("username"))

	requireOK(t, h.client(t).Call(map[string]any{"action": "login", "username": "bob", "password": "pw"}))
}

func TestServer_StartAndFinishGame(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 2)
	a := h.login(t, "alice", storage.RolePlayer)
	b := h.login(t, "bob", storage.RolePlayer)

	roomID := a.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}).Int("room_id")
	requireError(t, a.Call(map[string]any{"action": "start_game"}), "capacity_violation")

	requireOK(t, b.Call(map[string]any{"action": "join_room", "room_id": roomID}))
	assert.Equal(t, "player_joined", a.NextPush(waitFor).String("action"))

	requireError(t, b.Call(map[string]any{"action": "start_game"}), "permission_denied")
	requireError(t, b.Call(map[string]any{"action": "add_comment", "game_name": "snake", "score": 5}), "permission_denied")

	requireOK(t, a.Call(map[string]any{"action": "start_game"}))
	for _, member := range []*testutil.LobbyClient{a, b} {
		push := member.NextPush(waitFor)
		assert.Equal(t, "game_start", push.String("action"))
		assert.Equal(t, 14010+roomID, push.Int("game_port"))
		assert.Equal(t, "snake__dev1__v1.0.sh", push.String("filename"))
	}

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(h.dir, "snake.args"))
		return err == nil && strings.TrimSpace(string(data)) == "--server 14011"
	}, waitFor, 20*time.Millisecond)

	requireError(t, a.Call(map[string]any{"action": "start_game"}), "invalid_state")
	requireError(t, h.login(t, "carol", storage.RolePlayer).Call(map[string]any{"action": "join_room", "room_id": roomID}), "invalid_state")

	requireError(t, b.Call(map[string]any{"action": "finish_game"}), "permission_denied")
	requireOK(t, a.Call(map[string]any{"action": "finish_game"}))
	for _, member := range []*testutil.LobbyClient{a, b} {
		push := member.NextPush(waitFor)
		assert.Equal(t, "room_reset", push.String("action"))
		assert.Equal(t, "idle", push.Map("data")["status"])
	}

	requireOK(t, b.Call(map[string]any{"action": "add_comment", "game_name": "snake", "score": 4, "content": "fun"}))
	requireError(t, b.Call(map[string]any{"action": "add_comment", "game_name": "snake", "score": 4}), "invalid_state")
	requireError(t, a.Call(map[string]any{"action": "add_comment", "game_name": "snake", "score": 9}), "bad_request")

	games := a.Call(map[string]any{"action": "list_games"})
	requireOK(t, games)
	entry := games["data"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 1, entry["comment_count"])
	assert.EqualValues(t, 4, entry["avg_rating"])
}

func TestServer_StartFailsWhenAssetMissing(t *testing.T) {
	h := newHarness(t)
	g := h.publish(t, "snake", "dev1", 1)
	require.NoError(t, h.assets.Remove(g.Filename))
	a := h.login(t, "alice", storage.RolePlayer)

	roomID := a.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}).Int("room_id")
	resp := a.Call(map[string]any{"action": "start_game"})
	requireError(t, resp, "resource_missing")
	assert.Equal(t, "File missing on server", resp.String("message"))

	info := a.Call(map[string]any{"action": "room_info", "room_id": roomID})
	assert.Equal(t, "idle", info.Map("data")["status"], "failed launch rolls the room back")
}

func TestServer_RoleRestrictions(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 2)
	dev := h.login(t, "dev1", storage.RoleDeveloper)
	player := h.login(t, "alice", storage.RolePlayer)

	requireError(t, dev.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}), "permission_denied")
	requireError(t, player.Call(map[string]any{"action": "upload_request", "gamename": "x", "is_new_game": true}), "permission_denied")
	requireError(t, player.Call(map[string]any{"action": "delete_game", "gamename": "snake"}), "permission_denied")
}

func TestServer_DeleteGame(t *testing.T) {
	h := newHarness(t)
	g := h.publish(t, "snake", "dev1", 1)
	owner := h.login(t, "dev1", storage.RoleDeveloper)
	other := h.login(t, "dev2", storage.RoleDeveloper)
	player := h.login(t, "alice", storage.RolePlayer)

	requireError(t, other.Call(map[string]any{"action": "delete_game", "gamename": "snake"}), "permission_denied")
	_, err := h.store.Game(context.Background(), "snake")
	require.NoError(t, err, "catalog unchanged after a rejected delete")

	requireOK(t, player.Call(map[string]any{"action": "create_room", "room_name": "r", "game_name": "snake"}))
	requireError(t, owner.Call(map[string]any{"action": "delete_game", "gamename": "snake"}), "invalid_state")
	requireOK(t, player.Call(map[string]any{"action": "leave_room"}))

	requireOK(t, owner.Call(map[string]any{"action": "delete_game", "gamename": "snake"}))
	_, err = h.store.Game(context.Background(), "snake")
	assert.ErrorIs(t, err, storage.ErrGameNotFound)
	_, err = h.assets.Stat(g.Filename)
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestServer_UploadOwnership(t *testing.T) {
	h := newHarness(t)
	h.publish(t, "snake", "dev1", 2)
	owner := h.login(t, "dev1", storage.RoleDeveloper)
	other := h.login(t, "dev2", storage.RoleDeveloper)

	requireError(t, owner.Call(map[string]any{"action": "upload_request", "gamename": "snake", "is_new_game": true}), "invalid_state")
	requireError(t, other.Call(map[string]any{"action": "upload_request", "gamename": "snake", "is_new_game": true}), "permission_denied")
	requireError(t, other.Call(map[string]any{"action": "upload_request", "gamename": "snake", "is_new_game": false}), "permission_denied")
	requireError(t, other.Call(map[string]any{"action": "upload_request", "gamename": "pong", "is_new_game": false}), "resource_missing")

	g, err := h.store.Game(context.Background(), "snake")
	require.NoError(t, err)
	assert.Equal(t, "dev1", g.Developer)
}

func TestServer_UploadThenDownload(t *testing.T) {
	h := newHarness(t)
	dev := h.login(t, "dev1", storage.RoleDeveloper)
	player := h.login(t, "alice", storage.RolePlayer)

	payload := []byte(strings.Repeat("print('hello')\n", 300))
	resp := dev.Call(map[string]any{
		"action":      "upload_request",
		"gamename":    "hello",
		"is_new_game": true,
		"filename":    "/tmp/hello.py",
		"filesize":    len(payload),
		"version":     "2",
		"max_players": 3,
		"description": "says hello",
	})
	requireOK(t, resp)

	_, err := h.store.Game(context.Background(), "hello")
	assert.ErrorIs(t, err, storage.ErrGameNotFound, "catalog commit waits for the bytes")

	data, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(resp.Int("port"))), waitFor)
	require.NoError(t, err)
	_, err = data.Write(payload)
	require.NoError(t, err)
	data.Close()

	require.Eventually(t, func() bool {
		_, err := h.store.Game(context.Background(), "hello")
		return err == nil
	}, waitFor, 20*time.Millisecond)

	resp = player.Call(map[string]any{"action": "download_request", "gamename": "hello"})
	requireOK(t, resp)
	assert.Equal(t, "hello__dev1__v2.py", resp.String("filename"))
	assert.Equal(t, "2", resp.String("version"))
	assert.Equal(t, len(payload), resp.Int("filesize"))

	data, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(resp.Int("port"))), waitFor)
	require.NoError(t, err)
	defer data.Close()
	_ = data.SetReadDeadline(time.Now().Add(waitFor))
	got, err := io.ReadAll(data)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	games := player.Call(map[string]any{"action": "list_games"})
	entry := games["data"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 1, entry["downloads"])
	assert.EqualValues(t, 3, entry["max_players"])

	requireError(t, player.Call(map[string]any{"action": "download_request", "gamename": "nope"}), "resource_missing")
}
