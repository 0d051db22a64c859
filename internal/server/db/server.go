// internal/server/db/server.go
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

// ServerConfig porte les paramètres d'écoute du service de persistance
type ServerConfig struct {
	Addr     string
	Listener net.Listener
}

// Server expose le Storage sur TCP: une goroutine par connexion, des
// enveloppes requête/réponse sur des trames JSON préfixées par la longueur.
type Server struct {
	cfg     ServerConfig
	storage *Storage
	log     *zap.Logger

	mu    sync.Mutex
	conns map[*protocol.Conn]struct{}
}

// NewServer prépare le service au-dessus d'un Storage ouvert
func NewServer(cfg ServerConfig, storage *Storage) *Server {
	return &Server{
		cfg:     cfg,
		storage: storage,
		log:     logging.Named("dbserver"),
		conns:   make(map[*protocol.Conn]struct{}),
	}
}

// Serve accepte les connexions jusqu'à l'annulation du contexte
func (s *Server) Serve(ctx context.Context) error {
	ln := s.cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	defer ln.Close()

	s.log.Info("💾 Persistence service listening", zap.String("addr", ln.Addr().String()))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
			s.closeConns()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.closeConns()
			wg.Wait()
			if ctx.Err() != nil {
				s.log.Info("🛑 Persistence service stopped")
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		pc := protocol.NewConn(conn)
		s.track(pc)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(pc)
		}()
	}
}

func (s *Server) track(pc *protocol.Conn) {
	s.mu.Lock()
	s.conns[pc] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(pc *protocol.Conn) {
	s.mu.Lock()
	delete(s.conns, pc)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pc := range s.conns {
		_ = pc.Close()
	}
}

// handleConn boucle sur les requêtes d'un client. Une trame malformée
// reçoit une enveloppe d'erreur puis la connexion ferme; une action
// inconnue reçoit une erreur et la connexion reste ouverte.
func (s *Server) handleConn(pc *protocol.Conn) {
	defer s.untrack(pc)
	defer pc.Close()

	s.log.Debug("📥 Client connected", zap.String("remote", pc.RemoteAddr().String()))

	for {
		raw, err := pc.ReadFrame()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				_ = pc.WriteJSON(protocol.Fail(constants.KindMalformedFrame, "malformed frame"))
			}
			return
		}

		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			_ = pc.WriteJSON(protocol.Fail(constants.KindUnknownAction, "request has no action"))
			continue
		}

		resp := s.dispatch(req)
		status := constants.StatusError
		if resp.IsSuccess() {
			status = constants.StatusSuccess
		}
		metrics.DBRequests.WithLabelValues(req.Action, status).Inc()

		if err := pc.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req *protocol.Request) *protocol.Response {
	switch req.Action {
	case constants.ActCreateUser:
		var p models.CreateUserPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		user, err := s.storage.CreateUser(p.Name, p.Email, p.PasswordHash)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("user created", models.UserData{User: user})

	case constants.ActLoginUser:
		var p models.LoginUserPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		user, err := s.storage.LoginUser(p.Email, p.PasswordHash)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("login successful", models.UserData{User: user})

	case constants.ActGetUser:
		var p models.GetUserPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		user, err := s.storage.GetUser(p.ID)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("user found", models.UserData{User: user})

	case constants.ActGetUserByEmail:
		var p models.GetUserByEmailPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		user, err := s.storage.GetUserByEmail(p.Email)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("user found", models.UserData{User: user})

	case constants.ActCreateRoom:
		var p models.CreateRoomRecordPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		room, err := s.storage.CreateRoom(p.Name, p.HostUserID, p.Visibility)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("room created", models.RoomData{Room: room})

	case constants.ActGetRoom:
		var p models.GetRoomPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		room, err := s.storage.GetRoom(p.ID)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("room found", models.RoomData{Room: room})

	case constants.ActListRooms:
		var p models.ListRoomsPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		rooms, err := s.storage.ListRooms(p.Visibility)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("rooms listed", models.RoomsData{Rooms: rooms})

	case constants.ActUpdateRoom:
		var p models.UpdateRoomPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		room, err := s.storage.UpdateRoom(p.ID, p.Patch)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("room updated", models.RoomData{Room: room})

	case constants.ActDeleteRoom:
		var p models.DeleteRoomPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		if err := s.storage.DeleteRoom(p.ID); err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("room deleted", nil)

	case constants.ActCreateGameLog:
		var p models.CreateGameLogPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		entry, err := s.storage.CreateGameLog(p)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("game log created", models.GameLogData{Log: entry})

	case constants.ActListGameLogs:
		var p models.ListGameLogsPayload
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return invalidPayload()
		}
		logs, err := s.storage.ListGameLogs(p.UserID)
		if err != nil {
			return s.errorResponse(req.Action, err)
		}
		return protocol.OK("game logs listed", models.GameLogsData{Logs: logs})

	default:
		return protocol.Fail(constants.KindUnknownAction, fmt.Sprintf("unknown action %q", req.Action))
	}
}

func invalidPayload() *protocol.Response {
	return protocol.Fail(constants.KindMalformedFrame, "invalid request payload")
}

// errorResponse traduit une erreur de stockage en enveloppe: les
// ServiceError gardent leur catégorie, le reste devient Internal
func (s *Server) errorResponse(action string, err error) *protocol.Response {
	var se *models.ServiceError
	if errors.As(err, &se) {
		return protocol.Fail(se.Kind, se.Message)
	}
	s.log.Error("❌ Storage failure", zap.String("action", action), zap.Error(err))
	return protocol.Fail(constants.KindInternal, "internal storage error")
}
