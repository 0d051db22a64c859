// internal/server/db/storage_test.go
package db

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewStorage("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func TestUnsupportedDriverRejected(t *testing.T) {
	_, err := NewStorage("postgres", "dsn")
	require.Error(t, err)
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStorage(t)

	user, err := s.CreateUser("Alice", " Alice@Example.COM ", "hash-1")
	require.NoError(t, err)
	assert.Positive(t, user.ID)
	assert.Equal(t, "alice@example.com", user.Email, "email stored normalized")
	assert.False(t, user.CreatedAt.IsZero())
	assert.Nil(t, user.LastLoginAt)

	got, err := s.GetUser(user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.Name, got.Name)
	assert.Equal(t, user.Email, got.Email)
	assert.Equal(t, "hash-1", got.PasswordHash)
	assert.WithinDuration(t, user.CreatedAt, got.CreatedAt, time.Second)

	byEmail, err := s.GetUserByEmail("ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	_, err = s.GetUser(9999)
	assert.Equal(t, constants.KindNotFound, models.KindOf(err))
}

func TestEmailUniquenessCaseInsensitive(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.CreateUser("Alice", "alice@example.com", "hash-1")
	require.NoError(t, err)

	_, err = s.CreateUser("Bob", "ALICE@EXAMPLE.COM", "hash-2")
	require.Error(t, err)
	assert.Equal(t, constants.KindEmailTaken, models.KindOf(err))
}

func TestLoginUser(t *testing.T) {
	s := newTestStorage(t)

	created, err := s.CreateUser("Alice", "alice@example.com", "hash-1")
	require.NoError(t, err)

	// Email inconnu et mauvais mot de passe: même erreur
	_, err = s.LoginUser("alice@example.com", "wrong")
	assert.Equal(t, constants.KindInvalidCredentials, models.KindOf(err))
	_, err = s.LoginUser("ghost@example.com", "hash-1")
	assert.Equal(t, constants.KindInvalidCredentials, models.KindOf(err))

	user, err := s.LoginUser("ALICE@example.com", "hash-1")
	require.NoError(t, err)
	require.NotNil(t, user.LastLoginAt)
	assert.WithinDuration(t, time.Now(), *user.LastLoginAt, 5*time.Second)

	// La date de connexion est persistée
	got, err := s.GetUser(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLoginAt)

	t.Log("✅ Login vérifié, last_login_at mis à jour")
}

func TestRoomLifecycle(t *testing.T) {
	s := newTestStorage(t)

	room, err := s.CreateRoom("Duel", 1, constants.VisibilityPublic)
	require.NoError(t, err)
	assert.Positive(t, room.ID)
	assert.Equal(t, constants.RoomIdle, room.Status)
	assert.Equal(t, []int64{1}, room.Members)
	assert.Empty(t, room.InviteList)

	got, err := s.GetRoom(room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.Name, got.Name)
	assert.Equal(t, room.HostUserID, got.HostUserID)

	patch := json.RawMessage(`{"status":"playing","members":[1,2],"invite_list":[3],"spectators":[9]}`)
	updated, err := s.UpdateRoom(room.ID, patch)
	require.NoError(t, err)
	assert.Equal(t, constants.RoomPlaying, updated.Status)
	assert.Equal(t, []int64{1, 2}, updated.Members)
	assert.Equal(t, []int64{3}, updated.InviteList)
	assert.Equal(t, "Duel", updated.Name, "untouched fields survive the patch")
	assert.WithinDuration(t, room.CreatedAt, updated.CreatedAt, time.Second)

	all, err := s.ListRooms("")
	require.NoError(t, err)
	require.Len(t, all, 1)

	public, err := s.ListRooms(constants.VisibilityPublic)
	require.NoError(t, err)
	assert.Len(t, public, 1)

	private, err := s.ListRooms(constants.VisibilityPrivate)
	require.NoError(t, err)
	assert.Empty(t, private)

	require.NoError(t, s.DeleteRoom(room.ID))
	require.NoError(t, s.DeleteRoom(room.ID), "delete is idempotent")

	_, err = s.GetRoom(room.ID)
	assert.Equal(t, constants.KindNotFound, models.KindOf(err))
}

func TestUpdateRoomErrors(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.UpdateRoom(12345, json.RawMessage(`{"status":"playing"}`))
	assert.Equal(t, constants.KindNotFound, models.KindOf(err))

	room, err := s.CreateRoom("Duel", 1, constants.VisibilityPublic)
	require.NoError(t, err)

	_, err = s.UpdateRoom(room.ID, json.RawMessage(`[1,2,3]`))
	assert.Equal(t, constants.KindMalformedFrame, models.KindOf(err))

	// Un patch qui ne touche aucune clé connue laisse la salle intacte
	updated, err := s.UpdateRoom(room.ID, json.RawMessage(`{"id":99,"created_at":"2020-01-01T00:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, room.ID, updated.ID)
	assert.WithinDuration(t, room.CreatedAt, updated.CreatedAt, time.Second)
}

func TestGameLogs(t *testing.T) {
	s := newTestStorage(t)

	winner := int64(11)
	first, err := s.CreateGameLog(models.CreateGameLogPayload{
		MatchID: "m-1",
		RoomID:  1,
		Users:   []int64{11, 22},
		StartAt: time.Now().Add(-time.Minute),
		EndAt:   time.Now(),
		Winner:  &winner,
		Results: []models.GameResult{
			{UserID: 11, Score: 300, Lines: 3, MaxCombo: 2},
			{UserID: 22, Score: 100, Lines: 1, MaxCombo: 1},
		},
	})
	require.NoError(t, err)
	assert.Positive(t, first.ID)

	_, err = s.CreateGameLog(models.CreateGameLogPayload{
		MatchID: "m-2",
		RoomID:  2,
		Users:   []int64{33, 44},
		StartAt: time.Now().Add(-time.Minute),
		EndAt:   time.Now(),
		Winner:  nil,
		Results: []models.GameResult{
			{UserID: 33}, {UserID: 44},
		},
	})
	require.NoError(t, err)

	all, err := s.ListGameLogs(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NotNil(t, all[0].Winner)
	assert.Equal(t, int64(11), *all[0].Winner)
	assert.Nil(t, all[1].Winner, "a draw has no winner")
	assert.Len(t, all[0].Results, 2)
	assert.Equal(t, 300, all[0].Results[0].Score)

	eleven := int64(11)
	mine, err := s.ListGameLogs(&eleven)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "m-1", mine[0].MatchID)

	ghost := int64(99)
	none, err := s.ListGameLogs(&ghost)
	require.NoError(t, err)
	assert.Empty(t, none)
}

// TestMySQLRoundTrip exerce le pilote MySQL quand un serveur est
// disponible, sinon le test est sauté.
func TestMySQLRoundTrip(t *testing.T) {
	dsn := os.Getenv("TETRIS_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("Database not available")
	}

	storage, err := NewStorage("mysql", dsn)
	require.NoError(t, err)
	defer storage.Close()

	user, err := storage.CreateUser("Mika", "mika@example.com", "hash-mysql")
	require.NoError(t, err)
	defer func() { _, _ = storage.db.Exec("DELETE FROM users WHERE id = ?", user.ID) }()

	got, err := storage.GetUserByEmail("mika@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}
