// pkg/dbclient/client.go
package dbclient

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

const (
	dialTimeout  = 3 * time.Second
	replyTimeout = 5 * time.Second
	maxAttempts  = 3
	retryDelay   = 150 * time.Millisecond
)

// Client maintient une connexion persistante vers le service de persistance.
// Le protocole est strictement requête/réponse: les appels sont sérialisés
// pour qu'une seule trame de réponse corresponde à chaque trame envoyée.
type Client struct {
	addr string
	log  *zap.Logger

	mu   sync.Mutex
	conn *protocol.Conn
}

// NewClient prépare un client vers addr sans ouvrir de connexion.
// La connexion est établie paresseusement au premier appel.
func NewClient(addr string) *Client {
	return &Client{addr: addr, log: logging.Named("dbclient")}
}

// Close ferme la connexion sous-jacente si elle existe.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) ensureConn() error {
	if c.conn != nil {
		return nil
	}
	raw, err := net.DialTimeout("tcp", c.addr, dialTimeout)
	if err != nil {
		return errors.Wrap(err, "dial persistence service")
	}
	c.conn = protocol.NewConn(raw)
	return nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// do envoie une requête et décode le champ data de la réponse dans out
// (out peut être nil). Une erreur de transport ferme la connexion et
// déclenche une nouvelle tentative; une erreur applicative est renvoyée
// telle quelle sous forme de ServiceError, sans nouvelle tentative.
func (c *Client) do(action string, payload, out interface{}) error {
	req, err := protocol.NewRequest(action, payload)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(retryDelay)
		}
		if err := c.ensureConn(); err != nil {
			lastErr = err
			continue
		}
		if err := c.conn.WriteJSON(req); err != nil {
			lastErr = err
			c.dropConn()
			continue
		}
		raw, err := c.conn.ReadFrameTimeout(replyTimeout)
		if err != nil {
			lastErr = err
			c.dropConn()
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			lastErr = err
			c.dropConn()
			continue
		}
		if !resp.IsSuccess() {
			return models.NewServiceError(resp.ErrorKind(), resp.Message)
		}
		if out != nil {
			if err := resp.DecodeData(out); err != nil {
				return errors.Wrap(err, "decode response data")
			}
		}
		return nil
	}

	c.log.Warn("🔌 Persistence service unreachable",
		zap.String("action", action),
		zap.String("addr", c.addr),
		zap.Error(lastErr))
	return models.NewServiceError(constants.KindPersistenceUnavailable, "persistence service unreachable")
}

// CreateUser enregistre un nouvel utilisateur
func (c *Client) CreateUser(name, email, passwordHash string) (*models.User, error) {
	var data models.UserData
	if err := c.do(constants.ActCreateUser, models.CreateUserPayload{
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
	}, &data); err != nil {
		return nil, err
	}
	return data.User, nil
}

// LoginUser vérifie les identifiants et renvoie la fiche utilisateur
func (c *Client) LoginUser(email, passwordHash string) (*models.User, error) {
	var data models.UserData
	if err := c.do(constants.ActLoginUser, models.LoginUserPayload{
		Email:        email,
		PasswordHash: passwordHash,
	}, &data); err != nil {
		return nil, err
	}
	return data.User, nil
}

// GetUser récupère un utilisateur par identifiant
func (c *Client) GetUser(id int64) (*models.User, error) {
	var data models.UserData
	if err := c.do(constants.ActGetUser, models.GetUserPayload{ID: id}, &data); err != nil {
		return nil, err
	}
	return data.User, nil
}

// GetUserByEmail récupère un utilisateur par email (insensible à la casse)
func (c *Client) GetUserByEmail(email string) (*models.User, error) {
	var data models.UserData
	if err := c.do(constants.ActGetUserByEmail, models.GetUserByEmailPayload{Email: email}, &data); err != nil {
		return nil, err
	}
	return data.User, nil
}

// CreateRoom enregistre une nouvelle salle dont hostUserID est l'hôte
func (c *Client) CreateRoom(name string, hostUserID int64, visibility constants.Visibility) (*models.Room, error) {
	var data models.RoomData
	if err := c.do(constants.ActCreateRoom, models.CreateRoomRecordPayload{
		Name:       name,
		HostUserID: hostUserID,
		Visibility: visibility,
	}, &data); err != nil {
		return nil, err
	}
	return data.Room, nil
}

// GetRoom récupère une salle par identifiant
func (c *Client) GetRoom(id int64) (*models.Room, error) {
	var data models.RoomData
	if err := c.do(constants.ActGetRoom, models.GetRoomPayload{ID: id}, &data); err != nil {
		return nil, err
	}
	return data.Room, nil
}

// ListRooms liste les salles, éventuellement filtrées par visibilité
func (c *Client) ListRooms(visibility constants.Visibility) ([]*models.Room, error) {
	var data models.RoomsData
	if err := c.do(constants.ActListRooms, models.ListRoomsPayload{Visibility: visibility}, &data); err != nil {
		return nil, err
	}
	return data.Rooms, nil
}

// UpdateRoom applique un patch JSON partiel à une salle et renvoie l'état final
func (c *Client) UpdateRoom(id int64, patch json.RawMessage) (*models.Room, error) {
	var data models.RoomData
	if err := c.do(constants.ActUpdateRoom, models.UpdateRoomPayload{ID: id, Patch: patch}, &data); err != nil {
		return nil, err
	}
	return data.Room, nil
}

// DeleteRoom supprime une salle, sans erreur si elle n'existe plus
func (c *Client) DeleteRoom(id int64) error {
	return c.do(constants.ActDeleteRoom, models.DeleteRoomPayload{ID: id}, nil)
}

// CreateGameLog archive le résultat d'un match terminé
func (c *Client) CreateGameLog(p models.CreateGameLogPayload) (*models.MatchLog, error) {
	var data models.GameLogData
	if err := c.do(constants.ActCreateGameLog, p, &data); err != nil {
		return nil, err
	}
	return data.Log, nil
}

// ListGameLogs liste les matchs archivés, filtrés par participant si userID est non nil
func (c *Client) ListGameLogs(userID *int64) ([]*models.MatchLog, error) {
	var data models.GameLogsData
	if err := c.do(constants.ActListGameLogs, models.ListGameLogsPayload{UserID: userID}, &data); err != nil {
		return nil, err
	}
	return data.Logs, nil
}
