// pkg/client/lobby.go
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

const (
	lobbyDialTimeout  = 3 * time.Second
	lobbyReplyTimeout = 5 * time.Second
)

// LobbyClient pilote une session du service de lobby. Les requêtes
// sont synchrones; les événements non sollicités reçus pendant un
// cycle requête/réponse sont mis de côté et relus via NextEvent.
type LobbyClient struct {
	pc *protocol.Conn

	mu     sync.Mutex
	events []protocol.Event
}

// DialLobby ouvre une connexion de session vers le service de lobby
func DialLobby(addr string) (*LobbyClient, error) {
	c, err := net.DialTimeout("tcp", addr, lobbyDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lobby: %w", err)
	}
	return &LobbyClient{pc: protocol.NewConn(c)}, nil
}

// Close ferme la connexion de session
func (c *LobbyClient) Close() error {
	return c.pc.Close()
}

// do exécute un cycle requête/réponse. Les trames d'événement arrivées
// entre la requête et sa réponse sont conservées pour NextEvent.
func (c *LobbyClient) do(action string, payload, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, err := protocol.NewRequest(action, payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if err := c.pc.WriteJSON(req); err != nil {
		return err
	}

	for {
		raw, err := c.pc.ReadFrameTimeout(lobbyReplyTimeout)
		if err != nil {
			return err
		}
		if protocol.IsEvent(raw) {
			var evt protocol.Event
			if err := json.Unmarshal(raw, &evt); err == nil {
				c.events = append(c.events, evt)
			}
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if !resp.IsSuccess() {
			return models.NewServiceError(resp.ErrorKind(), resp.Message)
		}
		if out != nil {
			return resp.DecodeData(out)
		}
		return nil
	}
}

// NextEvent renvoie le prochain événement non sollicité, en lisant la
// connexion pendant au plus wait si aucun n'est en attente.
func (c *LobbyClient) NextEvent(wait time.Duration) (*protocol.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) > 0 {
		evt := c.events[0]
		c.events = c.events[1:]
		return &evt, nil
	}

	raw, err := c.pc.ReadFrameTimeout(wait)
	if err != nil {
		return nil, err
	}
	if !protocol.IsEvent(raw) {
		return nil, fmt.Errorf("unexpected frame while waiting for an event")
	}
	var evt protocol.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &evt, nil
}

// AwaitMatchReady attend l'événement match_ready et décode son point d'accès
func (c *LobbyClient) AwaitMatchReady(wait time.Duration) (*models.MatchReadyEvent, error) {
	deadline := time.Now().Add(wait)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, fmt.Errorf("timed out waiting for match_ready")
		}
		evt, err := c.NextEvent(remain)
		if err != nil {
			return nil, err
		}
		if evt.Event != constants.EventMatchReady {
			continue
		}
		var ready models.MatchReadyEvent
		if err := json.Unmarshal(evt.Data, &ready); err != nil {
			return nil, fmt.Errorf("failed to decode match_ready: %w", err)
		}
		return &ready, nil
	}
}

// Register crée un compte et renvoie son identifiant
func (c *LobbyClient) Register(name, email, password string) (int64, error) {
	var data models.RegisterData
	if err := c.do(constants.ActRegister, models.RegisterPayload{
		Name:     name,
		Email:    email,
		Password: password,
	}, &data); err != nil {
		return 0, err
	}
	return data.UserID, nil
}

// Login authentifie la session
func (c *LobbyClient) Login(email, password string) (*models.User, error) {
	var data models.UserData
	if err := c.do(constants.ActLogin, models.LoginPayload{
		Email:    email,
		Password: password,
	}, &data); err != nil {
		return nil, err
	}
	return data.User, nil
}

// Logout libère la session, la connexion reste utilisable
func (c *LobbyClient) Logout() error {
	return c.do(constants.ActLogout, nil, nil)
}

// ListOnlineUsers liste les sessions authentifiées
func (c *LobbyClient) ListOnlineUsers() ([]models.OnlineUser, error) {
	var data models.OnlineUsersData
	if err := c.do(constants.ActListOnlineUsers, nil, &data); err != nil {
		return nil, err
	}
	return data.Users, nil
}

// ListRooms liste les salles visibles pour la session
func (c *LobbyClient) ListRooms() ([]models.RoomSummary, error) {
	var data models.RoomSummariesData
	if err := c.do(constants.ActLobbyListRooms, nil, &data); err != nil {
		return nil, err
	}
	return data.Rooms, nil
}

// CreateRoom crée une salle dont la session est l'hôte
func (c *LobbyClient) CreateRoom(name string, visibility constants.Visibility) (*models.Room, error) {
	var data models.RoomData
	if err := c.do(constants.ActLobbyCreateRoom, models.CreateRoomPayload{
		Name:       name,
		Visibility: visibility,
	}, &data); err != nil {
		return nil, err
	}
	return data.Room, nil
}

// JoinRoom rejoint une salle, ou s'y rattache si la session y est déjà membre
func (c *LobbyClient) JoinRoom(roomID int64) (*models.Room, error) {
	var data models.RoomData
	if err := c.do(constants.ActJoinRoom, models.JoinRoomPayload{RoomID: roomID}, &data); err != nil {
		return nil, err
	}
	return data.Room, nil
}

// LeaveRoom quitte la salle courante
func (c *LobbyClient) LeaveRoom() error {
	return c.do(constants.ActLeaveRoom, nil, nil)
}

// Invite ajoute un utilisateur à la liste d'invitation d'une salle
func (c *LobbyClient) Invite(roomID, userID int64) error {
	return c.do(constants.ActInvite, models.InvitePayload{RoomID: roomID, UserID: userID}, nil)
}

// Kick retire un membre d'une salle
func (c *LobbyClient) Kick(roomID, userID int64) error {
	return c.do(constants.ActKick, models.KickPayload{RoomID: roomID, UserID: userID}, nil)
}

// StartGame lance le match de la salle et renvoie le point d'accès de l'hôte
func (c *LobbyClient) StartGame(roomID int64) (*models.MatchEndpoint, error) {
	var data models.MatchEndpoint
	if err := c.do(constants.ActStartGame, models.StartGamePayload{RoomID: roomID}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// ListInvitations liste les invitations en attente de la session
func (c *LobbyClient) ListInvitations() ([]models.Invitation, error) {
	var data models.InvitationsData
	if err := c.do(constants.ActListInvitations, nil, &data); err != nil {
		return nil, err
	}
	return data.Invitations, nil
}

// RespondInvitation accepte ou décline une invitation. L'acceptation
// rejoint la salle et renvoie son état.
func (c *LobbyClient) RespondInvitation(roomID int64, accept bool) (*models.Room, error) {
	payload := models.RespondInvitationPayload{RoomID: roomID, Accept: accept}
	if !accept {
		return nil, c.do(constants.ActRespondInvitation, payload, nil)
	}
	var data models.RoomData
	if err := c.do(constants.ActRespondInvitation, payload, &data); err != nil {
		return nil, err
	}
	return data.Room, nil
}
