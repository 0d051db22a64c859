// internal/server/game/match_test.go
package game

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func matchPlayers() [2]PlayerRef {
	return [2]PlayerRef{
		{UserID: 11, Role: constants.RoleHost},
		{UserID: 22, Role: constants.RoleGuest},
	}
}

// startMatch lance un serveur de match sur un port éphémère et rend le canal
// d'erreur de Serve. Le nettoyage attend l'arrêt complet du serveur.
func startMatch(t *testing.T, cfg MatchConfig) (*MatchServer, <-chan error) {
	t.Helper()

	if cfg.Listener == nil {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		cfg.Listener = ln
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 5 * time.Millisecond
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}

	m := NewMatchServer(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-m.Done()
	})
	return m, errCh
}

func dialMatch(t *testing.T, addr net.Addr) *protocol.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	pc := protocol.NewConn(conn)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func sendHello(t *testing.T, pc *protocol.Conn, roomID, userID int64) {
	t.Helper()
	require.NoError(t, pc.WriteJSON(protocol.Hello{
		Type:    constants.MsgHello,
		Version: constants.ProtocolVersion,
		RoomID:  roomID,
		UserID:  userID,
	}))
}

func readWelcome(t *testing.T, pc *protocol.Conn) protocol.Welcome {
	t.Helper()
	raw, err := pc.ReadFrameTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, constants.MsgWelcome, protocol.MessageType(raw))

	var welcome protocol.Welcome
	require.NoError(t, json.Unmarshal(raw, &welcome))
	return welcome
}

// readUntilType saute les trames intermédiaires jusqu'au type attendu
func readUntilType(t *testing.T, pc *protocol.Conn, want constants.MessageType, within time.Duration) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		remaining := time.Until(deadline)
		require.Positivef(t, remaining, "timed out waiting for %s", want)

		raw, err := pc.ReadFrameTimeout(remaining)
		require.NoError(t, err)
		if protocol.MessageType(raw) == want {
			return raw
		}
	}
}

// frameSink collecte toutes les trames émises vers un joueur simulé
type frameSink struct {
	mu     sync.Mutex
	frames []json.RawMessage
	done   chan struct{}
}

// attachSinks branche chaque slot sur un net.Pipe dont l'autre bout est lu
// en continu. Permet de piloter runTick directement, sans Serve ni horloge.
func attachSinks(t *testing.T, m *MatchServer) [2]*frameSink {
	t.Helper()

	var sinks [2]*frameSink
	for i, slot := range m.slots {
		server, client := net.Pipe()
		slot.conn = protocol.NewConn(server)
		slot.ready = true

		sink := &frameSink{done: make(chan struct{})}
		pc := protocol.NewConn(client)
		go func() {
			defer close(sink.done)
			for {
				raw, err := pc.ReadFrame()
				if err != nil {
					return
				}
				sink.mu.Lock()
				sink.frames = append(sink.frames, raw)
				sink.mu.Unlock()
			}
		}()
		sinks[i] = sink
	}

	t.Cleanup(func() {
		m.closeConns()
		for _, sink := range sinks {
			<-sink.done
		}
	})
	return sinks
}

// drainSinks ferme les connexions côté serveur et rend les trames collectées
func drainSinks(m *MatchServer, sinks [2]*frameSink) [2][]json.RawMessage {
	m.closeConns()
	var out [2][]json.RawMessage
	for i, sink := range sinks {
		<-sink.done
		out[i] = sink.frames
	}
	return out
}

func blockSpawnRows(e *Engine) {
	for _, y := range []int{0, 1} {
		for x := 2; x <= 7; x++ {
			e.cells[y][x] = int8(PieceJ)
		}
	}
}

func TestPlayerOrderNormalized(t *testing.T) {
	m := NewMatchServer(MatchConfig{
		MatchID: "m-order",
		RoomID:  7,
		Seed:    1,
		Players: [2]PlayerRef{
			{UserID: 22, Role: constants.RoleGuest},
			{UserID: 11, Role: constants.RoleHost},
		},
	})

	assert.Equal(t, PlayerRef{UserID: 11, Role: constants.RoleHost}, m.slots[0].ref)
	assert.Equal(t, PlayerRef{UserID: 22, Role: constants.RoleGuest}, m.slots[1].ref)
}

func TestHandshakeWelcomeAndFirstSnapshots(t *testing.T) {
	m, errCh := startMatch(t, MatchConfig{
		MatchID: "m-hs",
		RoomID:  7,
		Seed:    42,
		Players: matchPlayers(),
	})

	c1 := dialMatch(t, m.Addr())
	sendHello(t, c1, 7, 11)
	w1 := readWelcome(t, c1)
	assert.Equal(t, constants.RoleHost, w1.Role)
	assert.Equal(t, int64(42), w1.Seed)
	assert.Equal(t, constants.BagRule, w1.BagRule)
	assert.Equal(t, constants.GravityModeFixe, w1.GravityPlan.Mode)
	assert.Equal(t, constants.GravityDropMs, w1.GravityPlan.DropMs)

	c2 := dialMatch(t, m.Addr())
	sendHello(t, c2, 7, 22)
	w2 := readWelcome(t, c2)
	assert.Equal(t, constants.RoleGuest, w2.Role)
	assert.Equal(t, w1.Seed, w2.Seed, "same seed for both players")

	// Les instantanés des deux joueurs arrivent sur chaque connexion
	var snapshot protocol.Snapshot
	raw := readUntilType(t, c1, constants.MsgSnapshot, 2*time.Second)
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	assert.Contains(t, []int64{11, 22}, snapshot.UserID)
	assert.Equal(t, "0x200", snapshot.BoardRLE)
	assert.Len(t, snapshot.Next, constants.PreviewCount)
	assert.False(t, snapshot.GameOver)

	raw = readUntilType(t, c2, constants.MsgSnapshot, 2*time.Second)
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	assert.NotEmpty(t, snapshot.Active.Shape)

	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())
	require.NoError(t, <-errCh)

	t.Log("✅ Handshake, WELCOME et premiers instantanés validés")
}

func TestHelloRejectedWrongRoom(t *testing.T) {
	m, _ := startMatch(t, MatchConfig{
		MatchID: "m-wrong-room",
		RoomID:  7,
		Seed:    3,
		Players: matchPlayers(),
	})

	pc := dialMatch(t, m.Addr())
	sendHello(t, pc, 9, 11)

	raw, err := pc.ReadFrameTimeout(2 * time.Second)
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.False(t, resp.IsSuccess())
	assert.Equal(t, constants.KindUnauthorized, resp.ErrorKind())

	// Le serveur ferme la connexion après le refus
	_, err = pc.ReadFrameTimeout(2 * time.Second)
	assert.Error(t, err)
}

func TestHelloRejectedUnknownPlayer(t *testing.T) {
	m, _ := startMatch(t, MatchConfig{
		MatchID: "m-unknown",
		RoomID:  7,
		Seed:    3,
		Players: matchPlayers(),
	})

	pc := dialMatch(t, m.Addr())
	sendHello(t, pc, 7, 99)

	raw, err := pc.ReadFrameTimeout(2 * time.Second)
	require.NoError(t, err)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, constants.KindUnauthorized, resp.ErrorKind())
}

func TestForfeitAwardsSurvivor(t *testing.T) {
	m, errCh := startMatch(t, MatchConfig{
		MatchID: "m-forfeit",
		RoomID:  7,
		Seed:    5,
		Players: matchPlayers(),
	})

	c1 := dialMatch(t, m.Addr())
	sendHello(t, c1, 7, 11)
	readWelcome(t, c1)

	c2 := dialMatch(t, m.Addr())
	sendHello(t, c2, 7, 22)
	readWelcome(t, c2)

	// P1 se déconnecte en pleine partie
	require.NoError(t, c1.Close())

	raw := readUntilType(t, c2, constants.MsgGameOver, 3*time.Second)
	var gameOver protocol.GameOver
	require.NoError(t, json.Unmarshal(raw, &gameOver))

	require.NotNil(t, gameOver.Winner)
	assert.Equal(t, int64(22), *gameOver.Winner)
	require.Len(t, gameOver.Results, 2)
	assert.Equal(t, int64(11), gameOver.Results[0].UserID)
	assert.Equal(t, int64(22), gameOver.Results[1].UserID)

	require.NoError(t, <-errCh)
	t.Log("✅ L'abandon donne la victoire au joueur restant")
}

func TestHandshakeTimeoutAwardsConnectedPlayer(t *testing.T) {
	m, errCh := startMatch(t, MatchConfig{
		MatchID:          "m-timeout",
		RoomID:           7,
		Seed:             5,
		Players:          matchPlayers(),
		HandshakeTimeout: 150 * time.Millisecond,
	})

	pc := dialMatch(t, m.Addr())
	sendHello(t, pc, 7, 11)
	readWelcome(t, pc)

	// Le second joueur ne se présente jamais
	raw := readUntilType(t, pc, constants.MsgGameOver, 2*time.Second)
	var gameOver protocol.GameOver
	require.NoError(t, json.Unmarshal(raw, &gameOver))

	require.NotNil(t, gameOver.Winner)
	assert.Equal(t, int64(11), *gameOver.Winner)
	require.Len(t, gameOver.Results, 2)
	for _, result := range gameOver.Results {
		assert.Zero(t, result.Score, "nobody scored in an aborted match")
	}

	require.NoError(t, <-errCh)
}

func TestReadLoopFiltersInputs(t *testing.T) {
	m := NewMatchServer(MatchConfig{
		MatchID: "m-filter",
		RoomID:  7,
		Seed:    1,
		Players: matchPlayers(),
	})
	slot := m.slots[0]

	server, client := net.Pipe()
	slot.conn = protocol.NewConn(server)
	cw := protocol.NewConn(client)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		m.readLoop(slot)
	}()

	write := func(userID int64, seq uint64, action constants.InputAction) {
		require.NoError(t, cw.WriteJSON(protocol.Input{
			Type:   constants.MsgInput,
			UserID: userID,
			Seq:    seq,
			Action: action,
		}))
	}

	// Une acceptée, puis une seq rejouée et une seq en retard
	write(11, 1, constants.ActionLeft)
	write(11, 1, constants.ActionRight)
	write(11, 0, constants.ActionDown)
	// Mauvais joueur, puis action inconnue
	write(22, 5, constants.ActionCW)
	write(11, 5, constants.InputAction("JUMP"))
	// Acceptée
	write(11, 6, constants.ActionHold)

	// Le PONG prouve que toutes les trames précédentes sont déjà traitées
	require.NoError(t, cw.WriteJSON(protocol.Ping{Type: constants.MsgPing, Ts: 77}))
	raw, err := cw.ReadFrameTimeout(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, constants.MsgPong, protocol.MessageType(raw))
	var pong protocol.Pong
	require.NoError(t, json.Unmarshal(raw, &pong))
	assert.Equal(t, int64(77), pong.Ts)

	require.NoError(t, cw.Close())
	<-loopDone

	var accepted []constants.InputAction
collect:
	for {
		select {
		case action := <-slot.inputs:
			accepted = append(accepted, action)
		default:
			break collect
		}
	}
	assert.Equal(t, []constants.InputAction{constants.ActionLeft, constants.ActionHold}, accepted)

	select {
	case <-slot.disconnected:
	default:
		t.Fatal("disconnection should be signalled after the reader stops")
	}
}

func TestGravityCadenceFollowsLocks(t *testing.T) {
	m := NewMatchServer(MatchConfig{
		MatchID: "m-gravity",
		RoomID:  7,
		Seed:    1,
		Players: matchPlayers(),
	})
	p1, p2 := m.slots[0], m.slots[1]
	require.Equal(t, int64(5), m.gravityTicks)

	for tick := 1; tick <= 4; tick++ {
		require.False(t, m.runTick())
		assert.Equalf(t, 0, p1.engine.Active().Y, "no fall before tick 5, tick %d", tick)
	}

	require.False(t, m.runTick()) // tick 5
	assert.Equal(t, 1, p1.engine.Active().Y)
	assert.Equal(t, 1, p2.engine.Active().Y)

	// Le verrouillage repart le compte à rebours de gravité
	p1.inputs <- constants.ActionHardDrop
	require.False(t, m.runTick()) // tick 6
	assert.Equal(t, 0, p1.engine.Active().Y, "fresh piece after the hard drop")

	for tick := 7; tick <= 10; tick++ {
		require.False(t, m.runTick())
		assert.Equalf(t, 0, p1.engine.Active().Y, "gravity counts from the lock, tick %d", tick)
	}
	assert.Equal(t, 2, p2.engine.Active().Y, "P2 fell at ticks 5 and 10")

	require.False(t, m.runTick()) // tick 11
	assert.Equal(t, 1, p1.engine.Active().Y)
}

func TestNaturalTopOutTakesOneExtraTick(t *testing.T) {
	m := NewMatchServer(MatchConfig{
		MatchID: "m-topout",
		RoomID:  7,
		Seed:    9,
		Players: matchPlayers(),
	})
	sinks := attachSinks(t, m)

	blockSpawnRows(m.slots[0].engine)
	m.slots[0].inputs <- constants.ActionHardDrop

	require.False(t, m.runTick(), "the losing tick still broadcasts snapshots")
	require.True(t, m.runTick(), "one extra tick, then GAME_OVER")

	frames := drainSinks(m, sinks)
	for _, collected := range frames {
		// 2 instantanés par tick sur 2 ticks, puis GAME_OVER
		require.Len(t, collected, 5)

		var snapshot protocol.Snapshot
		require.NoError(t, json.Unmarshal(collected[0], &snapshot))
		assert.Equal(t, int64(11), snapshot.UserID)
		assert.True(t, snapshot.GameOver)

		var gameOver protocol.GameOver
		require.Equal(t, constants.MsgGameOver, protocol.MessageType(collected[4]))
		require.NoError(t, json.Unmarshal(collected[4], &gameOver))
		require.NotNil(t, gameOver.Winner)
		assert.Equal(t, int64(22), *gameOver.Winner)
	}
}

func TestSimultaneousTopOutIsDraw(t *testing.T) {
	m := NewMatchServer(MatchConfig{
		MatchID: "m-draw",
		RoomID:  7,
		Seed:    9,
		Players: matchPlayers(),
	})
	sinks := attachSinks(t, m)

	for _, slot := range m.slots {
		blockSpawnRows(slot.engine)
		slot.inputs <- constants.ActionHardDrop
	}

	require.False(t, m.runTick())
	require.True(t, m.runTick())

	frames := drainSinks(m, sinks)
	var gameOver protocol.GameOver
	last := frames[0][len(frames[0])-1]
	require.Equal(t, constants.MsgGameOver, protocol.MessageType(last))
	require.NoError(t, json.Unmarshal(last, &gameOver))
	assert.Nil(t, gameOver.Winner, "both players fell in the same tick")
}

func TestDeterministicReplay(t *testing.T) {
	script := []struct {
		tick   int64
		player int
		action constants.InputAction
	}{
		{2, 0, constants.ActionHardDrop},
		{3, 1, constants.ActionLeft},
		{3, 1, constants.ActionDown},
		{7, 0, constants.ActionHold},
		{9, 1, constants.ActionHardDrop},
		{9, 0, constants.ActionCW},
		{12, 0, constants.ActionRight},
		{15, 1, constants.ActionCCW},
		{18, 0, constants.ActionHardDrop},
		{25, 1, constants.ActionHardDrop},
		{33, 0, constants.ActionDown},
	}

	replay := func() []protocol.Snapshot {
		m := NewMatchServer(MatchConfig{
			MatchID: "m-replay",
			RoomID:  7,
			Seed:    99,
			Players: matchPlayers(),
		})
		sinks := attachSinks(t, m)

		for tick := int64(1); tick <= 40; tick++ {
			for _, entry := range script {
				if entry.tick == tick {
					m.slots[entry.player].inputs <- entry.action
				}
			}
			require.False(t, m.runTick())
		}

		frames := drainSinks(m, sinks)
		var snapshots []protocol.Snapshot
		for _, raw := range frames[0] {
			if protocol.MessageType(raw) != constants.MsgSnapshot {
				continue
			}
			var snapshot protocol.Snapshot
			require.NoError(t, json.Unmarshal(raw, &snapshot))
			snapshot.At = 0 // horloge murale, hors simulation
			snapshots = append(snapshots, snapshot)
		}
		return snapshots
	}

	first := replay()
	second := replay()

	require.Len(t, first, 80, "2 players x 40 ticks")
	require.Equal(t, first, second, "same seed and inputs, same snapshots")

	// La simulation a réellement progressé
	sawFall := false
	sawHold := false
	for _, snapshot := range first {
		if snapshot.Active.Y > 0 {
			sawFall = true
		}
		if snapshot.UserID == 11 && snapshot.Hold != nil {
			sawHold = true
		}
	}
	assert.True(t, sawFall)
	assert.True(t, sawHold)

	t.Log("✅ Deux rejeux à graine égale produisent des instantanés identiques")
}

func TestResultReportedToLobby(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	reportCh := make(chan models.ReportGameResultPayload, 1)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		pc := protocol.NewConn(conn)
		defer pc.Close()

		raw, err := pc.ReadFrameTimeout(2 * time.Second)
		if err != nil {
			return
		}
		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			return
		}
		var payload models.ReportGameResultPayload
		if json.Unmarshal(req.Data, &payload) != nil {
			return
		}
		_ = pc.WriteJSON(protocol.OK("result recorded", nil))
		reportCh <- payload
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-acceptDone
	})

	m := NewMatchServer(MatchConfig{
		MatchID:   "m-report",
		RoomID:    7,
		Seed:      9,
		Players:   matchPlayers(),
		LobbyAddr: ln.Addr().String(),
	})
	m.startedAt = time.Now()
	attachSinks(t, m)

	for _, slot := range m.slots {
		blockSpawnRows(slot.engine)
		slot.inputs <- constants.ActionHardDrop
	}
	require.False(t, m.runTick())
	require.True(t, m.runTick())

	select {
	case payload := <-reportCh:
		assert.Equal(t, "m-report", payload.MatchID)
		assert.Equal(t, int64(7), payload.RoomID)
		assert.Equal(t, []int64{11, 22}, payload.Users)
		assert.Nil(t, payload.Winner)
		require.Len(t, payload.Results, 2)
		assert.False(t, payload.EndAt.Before(payload.StartAt))
	case <-time.After(2 * time.Second):
		t.Fatal("no result report reached the lobby")
	}
}
