// internal/server/lobby/server.go
package lobby

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
	"github.com/tchouaga/tetris-duel-go/pkg/dbclient"
)

// nameCacheSize borne le cache des noms d'utilisateurs servant à
// décorer les listes de salles
const nameCacheSize = 256

// ServerConfig porte les paramètres du service de session
type ServerConfig struct {
	Addr     string
	Listener net.Listener

	// Lancement des matchs
	MatchHost     string
	MatchBasePort int
	MatchPortSpan int
	MaxMatch      time.Duration

	// Spawner nil: les matchs tournent dans le processus du lobby et
	// rapportent leurs résultats sur l'adresse d'écoute effective
	Spawner Spawner

	// ReadIdle borne l'attente de lecture d'une session
	ReadIdle time.Duration
}

// Server est le service de session: authentification, salles,
// invitations et coordination du lancement des matchs.
type Server struct {
	cfg      ServerConfig
	db       *dbclient.Client
	launcher *Launcher
	log      *zap.Logger
	reg      *registry
	names    *lru.Cache[int64, string]

	mu    sync.Mutex
	conns map[*protocol.Conn]struct{}
}

// NewServer prépare le service au-dessus d'un client de persistance
func NewServer(cfg ServerConfig, db *dbclient.Client) *Server {
	if cfg.ReadIdle <= 0 {
		cfg.ReadIdle = constants.SessionReadIdle * time.Second
	}
	names, _ := lru.New[int64, string](nameCacheSize)

	s := &Server{
		cfg:   cfg,
		db:    db,
		log:   logging.Named("lobby"),
		reg:   newRegistry(),
		names: names,
		conns: make(map[*protocol.Conn]struct{}),
	}
	s.launcher = NewLauncher(LauncherConfig{
		Spawner:  cfg.Spawner,
		Host:     cfg.MatchHost,
		BasePort: cfg.MatchBasePort,
		Span:     cfg.MatchPortSpan,
		MaxMatch: cfg.MaxMatch,
		OnExit:   s.onMatchExit,
	})
	return s
}

// Serve précharge les salles persistées puis accepte les connexions
// jusqu'à l'annulation du contexte.
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

	if s.launcher.spawner == nil {
		s.launcher.spawner = &InprocSpawner{LobbyAddr: ln.Addr().String()}
	}

	if err := s.loadPersistedRooms(); err != nil {
		return err
	}

	s.log.Info("✅ Lobby listening", zap.Stringer("addr", ln.Addr()))

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
			s.launcher.Shutdown()
			if ctx.Err() != nil {
				s.log.Info("🛑 Lobby stopped")
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

// loadPersistedRooms recharge le registre depuis la persistance au
// démarrage. Les salles restées en playing après un arrêt brutal
// repartent en idle.
func (s *Server) loadPersistedRooms() error {
	rooms, err := s.db.ListRooms("")
	if err != nil {
		return fmt.Errorf("failed to load persisted rooms: %w", err)
	}

	reset := s.reg.loadRooms(rooms)
	for _, id := range reset {
		s.mirror(persistOp{
			roomID: id,
			patch:  map[string]interface{}{"status": constants.RoomIdle},
		})
	}
	if len(rooms) > 0 {
		s.log.Info("📦 Rooms loaded from persistence",
			zap.Int("count", len(rooms)),
			zap.Int("reset", len(reset)))
	}
	return nil
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

// handleConn fait vivre une session: une connexion, une session, des
// requêtes strictement séquentielles.
func (s *Server) handleConn(pc *protocol.Conn) {
	sess := &session{conn: pc, log: s.log}
	defer func() {
		// Une coupure laisse le membre listé dans sa salle pour qu'il
		// puisse se rattacher en se reconnectant
		s.reg.unbindSession(sess)
		s.untrack(pc)
		_ = pc.Close()
	}()

	s.log.Debug("📥 Client connected", zap.Stringer("remote", pc.RemoteAddr()))

	for {
		raw, err := pc.ReadFrameTimeout(s.cfg.ReadIdle)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedFrame) {
				_ = sess.send(protocol.Fail(constants.KindMalformedFrame, "malformed frame"))
			} else if protocol.IsTimeout(err) {
				s.log.Debug("⏰ Session idle timeout", zap.Int64("user_id", sess.userID))
			}
			return
		}

		req, err := protocol.DecodeRequest(raw)
		if err != nil {
			if sendErr := sess.send(protocol.Fail(constants.KindUnknownAction, "request has no action")); sendErr != nil {
				return
			}
			continue
		}

		resp := s.dispatch(sess, req)
		metrics.LobbyRequests.WithLabelValues(req.Action, resp.Status).Inc()
		if err := sess.send(resp); err != nil {
			s.log.Debug("🔌 Write failed, dropping session",
				zap.Int64("user_id", sess.userID), zap.Error(err))
			return
		}
	}
}

// dispatch route une requête vers son handler. Hormis l'inscription, la
// connexion et le canal de contrôle des serveurs de match, toute action
// exige une session authentifiée.
func (s *Server) dispatch(sess *session, req *protocol.Request) *protocol.Response {
	switch req.Action {
	case constants.ActRegister:
		return s.handleRegister(sess, req.Data)
	case constants.ActLogin:
		return s.handleLogin(sess, req.Data)
	case constants.ActReportGameResult:
		return s.handleReportGameResult(req.Data)
	}

	if !sess.authenticated() {
		return protocol.Fail(constants.KindUnauthenticated, "login required")
	}

	switch req.Action {
	case constants.ActLogout:
		return s.handleLogout(sess)
	case constants.ActListOnlineUsers:
		return s.handleListOnlineUsers()
	case constants.ActLobbyListRooms:
		return s.handleListRooms(sess)
	case constants.ActLobbyCreateRoom:
		return s.handleCreateRoom(sess, req.Data)
	case constants.ActJoinRoom:
		return s.handleJoinRoom(sess, req.Data)
	case constants.ActLeaveRoom:
		return s.handleLeaveRoom(sess)
	case constants.ActInvite:
		return s.handleInvite(sess, req.Data)
	case constants.ActKick:
		return s.handleKick(sess, req.Data)
	case constants.ActStartGame:
		return s.handleStartGame(sess, req.Data)
	case constants.ActListInvitations:
		return s.handleListInvitations(sess)
	case constants.ActRespondInvitation:
		return s.handleRespondInvitation(sess, req.Data)
	default:
		return protocol.Fail(constants.KindUnknownAction, fmt.Sprintf("unknown action %q", req.Action))
	}
}
