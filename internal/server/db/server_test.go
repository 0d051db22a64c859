// internal/server/db/server_test.go
package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

func startDBServer(t *testing.T) net.Addr {
	t.Helper()
	storage := newTestStorage(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Listener: ln}, storage)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr()
}

func dialDB(t *testing.T, addr net.Addr) *protocol.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	pc := protocol.NewConn(c)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func roundTrip(t *testing.T, pc *protocol.Conn, action string, payload interface{}) *protocol.Response {
	t.Helper()
	req, err := protocol.NewRequest(action, payload)
	require.NoError(t, err)
	require.NoError(t, pc.WriteJSON(req))

	raw, err := pc.ReadFrameTimeout(2 * time.Second)
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func TestRequestResponseCycle(t *testing.T) {
	addr := startDBServer(t)
	pc := dialDB(t, addr)

	resp := roundTrip(t, pc, constants.ActCreateUser, models.CreateUserPayload{
		Name:         "Alice",
		Email:        "alice@example.com",
		PasswordHash: "hash-1",
	})
	require.True(t, resp.IsSuccess(), resp.Message)

	var created models.UserData
	require.NoError(t, resp.DecodeData(&created))
	require.NotNil(t, created.User)
	assert.Positive(t, created.User.ID)

	// La même connexion sert plusieurs requêtes
	resp = roundTrip(t, pc, constants.ActGetUser, models.GetUserPayload{ID: created.User.ID})
	require.True(t, resp.IsSuccess(), resp.Message)

	var fetched models.UserData
	require.NoError(t, resp.DecodeData(&fetched))
	assert.Equal(t, "alice@example.com", fetched.User.Email)

	t.Log("✅ Cycle requête/réponse complet sur une connexion")
}

func TestErrorKindsTravelTheWire(t *testing.T) {
	addr := startDBServer(t)
	pc := dialDB(t, addr)

	resp := roundTrip(t, pc, constants.ActCreateUser, models.CreateUserPayload{
		Name: "Alice", Email: "alice@example.com", PasswordHash: "h",
	})
	require.True(t, resp.IsSuccess())

	resp = roundTrip(t, pc, constants.ActCreateUser, models.CreateUserPayload{
		Name: "Clone", Email: "ALICE@example.com", PasswordHash: "h",
	})
	require.False(t, resp.IsSuccess())
	assert.Equal(t, constants.KindEmailTaken, resp.ErrorKind())

	resp = roundTrip(t, pc, constants.ActGetRoom, models.GetRoomPayload{ID: 404})
	require.False(t, resp.IsSuccess())
	assert.Equal(t, constants.KindNotFound, resp.ErrorKind())
}

func TestUnknownActionKeepsConnectionOpen(t *testing.T) {
	addr := startDBServer(t)
	pc := dialDB(t, addr)

	resp := roundTrip(t, pc, "fly_to_the_moon", nil)
	require.False(t, resp.IsSuccess())
	assert.Equal(t, constants.KindUnknownAction, resp.ErrorKind())

	// La connexion survit à l'action inconnue
	resp = roundTrip(t, pc, constants.ActListRooms, models.ListRoomsPayload{})
	require.True(t, resp.IsSuccess(), resp.Message)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	addr := startDBServer(t)

	c, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	pc := protocol.NewConn(c)
	t.Cleanup(func() { _ = pc.Close() })

	// Trame valide côté longueur mais dont la charge n'est pas un objet JSON
	payload := []byte(`[1,2,3]`)
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = c.Write(frame)
	require.NoError(t, err)

	raw, err := pc.ReadFrameTimeout(2 * time.Second)
	require.NoError(t, err)
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.False(t, resp.IsSuccess())
	assert.Equal(t, constants.KindMalformedFrame, resp.ErrorKind())

	// Puis le serveur ferme la connexion
	_, err = pc.ReadFrameTimeout(2 * time.Second)
	require.Error(t, err)
}
