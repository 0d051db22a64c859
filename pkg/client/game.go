// pkg/client/game.go
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

const gameDialTimeout = 3 * time.Second

// GameClient pilote une connexion de joueur vers un serveur de match
type GameClient struct {
	pc     *protocol.Conn
	userID int64
	seq    uint64
}

// DialMatch ouvre une connexion vers le point d'accès d'un match
func DialMatch(host string, port int) (*GameClient, error) {
	c, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), gameDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial match server: %w", err)
	}
	return &GameClient{pc: protocol.NewConn(c)}, nil
}

// Close ferme la connexion de match
func (g *GameClient) Close() error {
	return g.pc.Close()
}

// Hello présente le joueur au serveur de match et attend le WELCOME.
// Un refus arrive sous forme d'enveloppe d'erreur avant la fermeture.
func (g *GameClient) Hello(roomID, userID int64, timeout time.Duration) (*protocol.Welcome, error) {
	hello := protocol.Hello{
		Type:    constants.MsgHello,
		Version: constants.ProtocolVersion,
		RoomID:  roomID,
		UserID:  userID,
	}
	if err := g.pc.WriteJSON(hello); err != nil {
		return nil, err
	}

	raw, err := g.pc.ReadFrameTimeout(timeout)
	if err != nil {
		return nil, err
	}
	if protocol.MessageType(raw) != constants.MsgWelcome {
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err == nil && resp.Status != "" {
			return nil, models.NewServiceError(resp.ErrorKind(), resp.Message)
		}
		return nil, fmt.Errorf("unexpected frame instead of WELCOME")
	}

	var welcome protocol.Welcome
	if err := json.Unmarshal(raw, &welcome); err != nil {
		return nil, fmt.Errorf("failed to decode WELCOME: %w", err)
	}
	g.userID = userID
	return &welcome, nil
}

// SendInput envoie une action de jeu, numérotée en séquence croissante
func (g *GameClient) SendInput(action constants.InputAction) error {
	g.seq++
	return g.pc.WriteJSON(protocol.Input{
		Type:   constants.MsgInput,
		UserID: g.userID,
		Seq:    g.seq,
		Ts:     time.Now().UnixMilli(),
		Action: action,
	})
}

// Ping envoie une sonde de vivacité
func (g *GameClient) Ping() error {
	return g.pc.WriteJSON(protocol.Ping{Type: constants.MsgPing, Ts: time.Now().UnixMilli()})
}

// ReadFrame lit la prochaine trame brute du serveur de match
func (g *GameClient) ReadFrame(timeout time.Duration) (json.RawMessage, error) {
	return g.pc.ReadFrameTimeout(timeout)
}

// readUntil lit des trames jusqu'à rencontrer le type voulu
func (g *GameClient) readUntil(want constants.MessageType, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, fmt.Errorf("timed out waiting for %s", want)
		}
		raw, err := g.pc.ReadFrameTimeout(remain)
		if err != nil {
			return nil, err
		}
		if protocol.MessageType(raw) == want {
			return raw, nil
		}
	}
}

// NextSnapshot lit des trames jusqu'au prochain instantané
func (g *GameClient) NextSnapshot(timeout time.Duration) (*protocol.Snapshot, error) {
	raw, err := g.readUntil(constants.MsgSnapshot, timeout)
	if err != nil {
		return nil, err
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode SNAPSHOT: %w", err)
	}
	return &snap, nil
}

// SnapshotFor lit des instantanés jusqu'à celui du joueur voulu
func (g *GameClient) SnapshotFor(userID int64, timeout time.Duration) (*protocol.Snapshot, error) {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, fmt.Errorf("timed out waiting for snapshot of user %d", userID)
		}
		snap, err := g.NextSnapshot(remain)
		if err != nil {
			return nil, err
		}
		if snap.UserID == userID {
			return snap, nil
		}
	}
}

// AwaitGameOver lit des trames jusqu'à la clôture du match
func (g *GameClient) AwaitGameOver(timeout time.Duration) (*protocol.GameOver, error) {
	raw, err := g.readUntil(constants.MsgGameOver, timeout)
	if err != nil {
		return nil, err
	}
	var over protocol.GameOver
	if err := json.Unmarshal(raw, &over); err != nil {
		return nil, fmt.Errorf("failed to decode GAME_OVER: %w", err)
	}
	return &over, nil
}
