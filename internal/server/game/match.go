// internal/server/game/match.go
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
	"github.com/tchouaga/tetris-duel-go/internal/shared/protocol"
)

const (
	inputQueueSize = 256
	reportTimeout  = 5 * time.Second
)

// matchPhase suit le cycle de vie du serveur de match
type matchPhase int

const (
	phaseHandshake matchPhase = iota
	phaseRunning
	phaseAborted
)

// PlayerRef identifie un joueur attendu par le serveur de match
type PlayerRef struct {
	UserID int64
	Role   constants.Role
}

// MatchConfig porte les paramètres de lancement d'un match
type MatchConfig struct {
	MatchID string
	RoomID  int64
	Seed    int64
	Players [2]PlayerRef

	// Listener prime sur Host:Port quand il est fourni
	Host     string
	Port     int
	Listener net.Listener

	// LobbyAddr vide désactive le rapport de fin de match
	LobbyAddr string

	TickInterval     time.Duration
	DropInterval     time.Duration
	HandshakeTimeout time.Duration
}

// playerSlot regroupe l'état par joueur: moteur, connexion et file d'entrées
type playerSlot struct {
	ref          PlayerRef
	engine       *Engine
	conn         *protocol.Conn
	ready        bool
	inputs       chan constants.InputAction
	disconnected chan struct{}
	closeOnce    sync.Once
	lastFallTick int64
}

func (s *playerSlot) markDisconnected() {
	s.closeOnce.Do(func() { close(s.disconnected) })
}

// MatchServer est le serveur autoritaire d'un match entre deux joueurs.
// La boucle de tick est la seule goroutine à toucher aux moteurs: les
// lecteurs se contentent d'alimenter les files d'entrées.
type MatchServer struct {
	cfg MatchConfig
	log *zap.Logger

	listener net.Listener

	mu        sync.Mutex
	phase     matchPhase
	slots     [2]*playerSlot
	readyOnce sync.Once
	ready     chan struct{}

	// État de simulation, propriété exclusive de la boucle de tick
	tick         int64
	gravityTicks int64
	startedAt    time.Time
	finalTick    int64
	forfeited    bool
	winner       *int64
	winnerSet    bool

	done chan struct{}
}

// NewMatchServer prépare un serveur de match. Les deux moteurs reçoivent
// la même graine: les joueurs voient la même séquence de pièces.
func NewMatchServer(cfg MatchConfig) *MatchServer {
	if cfg.Host == "" {
		cfg.Host = constants.DefaultHost
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = constants.TickIntervalMs * time.Millisecond
	}
	if cfg.DropInterval <= 0 {
		cfg.DropInterval = constants.GravityDropMs * time.Millisecond
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = constants.HandshakeTimeout * time.Second
	}
	if cfg.Players[0].Role != constants.RoleHost {
		cfg.Players[0], cfg.Players[1] = cfg.Players[1], cfg.Players[0]
	}

	m := &MatchServer{
		cfg: cfg,
		log: logging.Named("match").With(
			zap.String("match_id", cfg.MatchID),
			zap.Int64("room_id", cfg.RoomID)),
		listener: cfg.Listener,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.gravityTicks = int64(cfg.DropInterval / cfg.TickInterval)
	if m.gravityTicks < 1 {
		m.gravityTicks = 1
	}

	for i, ref := range cfg.Players {
		slot := &playerSlot{
			ref:          ref,
			inputs:       make(chan constants.InputAction, inputQueueSize),
			disconnected: make(chan struct{}),
		}
		slot.engine = NewEngine(NewPieceBag(cfg.Seed), EngineCallbacks{
			// Un verrouillage repart le compte à rebours de gravité
			OnLock: func(linesCleared, scoreGain int) {
				slot.lastFallTick = m.tick
			},
		})
		m.slots[i] = slot
	}
	return m
}

// Serve accepte les deux joueurs puis déroule le match jusqu'à GAME_OVER.
// Un timeout de handshake donne la victoire au joueur présent, s'il y en a un.
func (m *MatchServer) Serve(ctx context.Context) error {
	defer close(m.done)

	ln := m.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port)))
		if err != nil {
			return fmt.Errorf("failed to listen for match: %w", err)
		}
		m.listener = ln
	}
	defer ln.Close()

	m.startedAt = time.Now()
	m.log.Info("🎮 Game server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int64("seed", m.cfg.Seed))

	go m.acceptLoop(ln)

	hsTimer := time.NewTimer(m.cfg.HandshakeTimeout)
	defer hsTimer.Stop()

	select {
	case <-m.ready:
	case <-ctx.Done():
		m.closeConns()
		return ctx.Err()
	case <-hsTimer.C:
		return m.abortHandshake()
	}

	m.mu.Lock()
	m.phase = phaseRunning
	m.mu.Unlock()
	m.log.Info("✅ Both players ready, match starting")

	var g errgroup.Group
	for _, slot := range m.slots {
		slot := slot
		g.Go(func() error {
			m.readLoop(slot)
			return nil
		})
	}

	err := m.tickLoop(ctx)
	m.closeConns()
	_ = g.Wait()

	if err != nil {
		m.log.Warn("🛑 Match interrupted", zap.Error(err))
		return err
	}
	m.log.Info("✅ Match complete")
	return nil
}

// Done est fermé quand le serveur de match est complètement arrêté
func (m *MatchServer) Done() <-chan struct{} {
	return m.done
}

// Addr renvoie l'adresse d'écoute effective, nil avant Serve
func (m *MatchServer) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *MatchServer) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go m.handshake(protocol.NewConn(conn))
	}
}

// handshake valide le HELLO d'un client et lui répond WELCOME.
// Tout échec ferme la connexion après une réponse Unauthorized.
func (m *MatchServer) handshake(pc *protocol.Conn) {
	raw, err := pc.ReadFrameTimeout(m.cfg.HandshakeTimeout)
	if err != nil {
		m.log.Warn("❌ Handshake read failed", zap.Error(err))
		_ = pc.Close()
		return
	}

	var hello protocol.Hello
	if protocol.MessageType(raw) != constants.MsgHello || json.Unmarshal(raw, &hello) != nil {
		m.reject(pc, "expected HELLO")
		return
	}
	if hello.Version != constants.ProtocolVersion {
		m.reject(pc, fmt.Sprintf("unsupported protocol version %d", hello.Version))
		return
	}
	if hello.RoomID != m.cfg.RoomID {
		m.reject(pc, "wrong room")
		return
	}

	m.mu.Lock()
	if m.phase != phaseHandshake {
		m.mu.Unlock()
		m.reject(pc, "match no longer accepting players")
		return
	}
	var slot *playerSlot
	for _, s := range m.slots {
		if s.ref.UserID == hello.UserID {
			slot = s
			break
		}
	}
	if slot == nil {
		m.mu.Unlock()
		m.reject(pc, "unknown player")
		return
	}
	if slot.ready {
		m.mu.Unlock()
		m.reject(pc, "player already connected")
		return
	}
	slot.conn = pc
	slot.ready = true
	bothReady := m.slots[0].ready && m.slots[1].ready
	m.mu.Unlock()

	welcome := protocol.Welcome{
		Type:    constants.MsgWelcome,
		Role:    slot.ref.Role,
		Seed:    m.cfg.Seed,
		BagRule: constants.BagRule,
		GravityPlan: protocol.GravityPlan{
			Mode:   constants.GravityModeFixe,
			DropMs: int(m.cfg.DropInterval / time.Millisecond),
		},
	}
	if err := pc.WriteJSON(&welcome); err != nil {
		m.log.Warn("❌ Failed to send WELCOME",
			zap.Int64("user_id", slot.ref.UserID), zap.Error(err))
		m.mu.Lock()
		slot.conn = nil
		slot.ready = false
		m.mu.Unlock()
		_ = pc.Close()
		return
	}

	m.log.Info("✅ Player ready",
		zap.Int64("user_id", slot.ref.UserID),
		zap.String("role", string(slot.ref.Role)))

	if bothReady {
		m.readyOnce.Do(func() { close(m.ready) })
	}
}

func (m *MatchServer) reject(pc *protocol.Conn, reason string) {
	m.log.Warn("❌ Handshake rejected",
		zap.String("reason", reason),
		zap.String("remote", pc.RemoteAddr().String()))
	_ = pc.WriteJSON(protocol.Fail(constants.KindUnauthorized, reason))
	_ = pc.Close()
}

// readLoop consomme les trames d'un joueur pendant la partie. Les entrées
// rejouées ou hors ordre sont ignorées; la déconnexion est signalée à la
// boucle de tick qui la traite comme un abandon.
func (m *MatchServer) readLoop(slot *playerSlot) {
	defer slot.markDisconnected()

	var lastSeq uint64
	for {
		raw, err := slot.conn.ReadFrame()
		if err != nil {
			return
		}

		switch protocol.MessageType(raw) {
		case constants.MsgInput:
			var in protocol.Input
			if err := json.Unmarshal(raw, &in); err != nil {
				continue
			}
			if in.UserID != slot.ref.UserID || !constants.IsValidAction(in.Action) {
				continue
			}
			if in.Seq <= lastSeq {
				continue
			}
			lastSeq = in.Seq
			select {
			case slot.inputs <- in.Action:
			default:
				m.log.Warn("⚠️ Input queue full, dropping action",
					zap.Int64("user_id", slot.ref.UserID),
					zap.String("action", string(in.Action)))
			}
		case constants.MsgPing:
			var ping protocol.Ping
			if err := json.Unmarshal(raw, &ping); err != nil {
				continue
			}
			_ = slot.conn.WriteJSON(protocol.Pong{Type: constants.MsgPong, Ts: ping.Ts})
		}
	}
}

func (m *MatchServer) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.runTick() {
				return nil
			}
		}
	}
}

// runTick avance la simulation d'un tick: abandons, entrées, gravité,
// instantanés, puis clôture éventuelle. Renvoie true quand le match est clos.
func (m *MatchServer) runTick() bool {
	m.tick++

	// Une déconnexion en cours de partie vaut abandon: top-out immédiat.
	// Passé la programmation de la clôture, le vainqueur est acquis et les
	// déconnexions tardives ne changent plus rien.
	if m.finalTick == 0 {
		for _, slot := range m.slots {
			select {
			case <-slot.disconnected:
				if !slot.engine.GameOver() {
					slot.engine.ForceTopOut()
					m.forfeited = true
					m.log.Info("🔌 Player forfeits on disconnect",
						zap.Int64("user_id", slot.ref.UserID))
				}
			default:
			}
		}
	}

	// Entrées dans l'ordre d'arrivée
	for _, slot := range m.slots {
		m.drainInputs(slot)
	}

	// Gravité: une descente forcée après gravityTicks sans chute ni verrouillage
	for _, slot := range m.slots {
		if slot.engine.GameOver() {
			continue
		}
		if m.tick-slot.lastFallTick >= m.gravityTicks {
			slot.engine.MoveDown()
			slot.lastFallTick = m.tick
		}
	}

	// L'état des deux joueurs part vers les deux connexions
	at := time.Now().UnixMilli()
	for _, slot := range m.slots {
		snapshot := m.snapshotFor(slot, at)
		sent := m.broadcast(&snapshot)
		metrics.SnapshotsSent.Add(float64(sent))
	}

	over := 0
	for _, slot := range m.slots {
		if slot.engine.GameOver() {
			over++
		}
	}
	if over == 0 {
		return false
	}

	// Le vainqueur s'acquiert au premier tick où un joueur tombe.
	// Les deux au même tick: match nul.
	if !m.winnerSet {
		m.winnerSet = true
		if over == 1 {
			for _, slot := range m.slots {
				if !slot.engine.GameOver() {
					id := slot.ref.UserID
					m.winner = &id
				}
			}
		}
	}

	// Un abandon clôt dans le même tick; un top-out naturel laisse partir
	// un dernier instantané au tick suivant
	if m.forfeited {
		m.finalize()
		return true
	}
	if m.finalTick == 0 {
		m.finalTick = m.tick + 1
		return false
	}
	if m.tick >= m.finalTick {
		m.finalize()
		return true
	}
	return false
}

func (m *MatchServer) drainInputs(slot *playerSlot) {
	for {
		select {
		case action := <-slot.inputs:
			slot.engine.Apply(action)
		default:
			return
		}
	}
}

func (m *MatchServer) snapshotFor(slot *playerSlot, at int64) protocol.Snapshot {
	engine := slot.engine
	active := engine.Active()

	var hold *string
	if engine.HoldPiece() != PieceNone {
		letter := engine.HoldPiece().String()
		hold = &letter
	}

	next := make([]string, 0, constants.PreviewCount)
	for _, kind := range engine.NextPieces(constants.PreviewCount) {
		next = append(next, kind.String())
	}

	return protocol.Snapshot{
		Type:     constants.MsgSnapshot,
		Tick:     m.tick,
		UserID:   slot.ref.UserID,
		Role:     slot.ref.Role,
		BoardRLE: engine.BoardRLE(),
		Active: protocol.ActivePiece{
			Shape: active.Kind.String(),
			X:     active.X,
			Y:     active.Y,
			Rot:   active.Rot,
		},
		Hold:     hold,
		Next:     next,
		Score:    engine.Score(),
		Lines:    engine.Lines(),
		Level:    engine.Level(),
		GameOver: engine.GameOver(),
		At:       at,
	}
}

// broadcast envoie une trame aux deux joueurs et renvoie le nombre
// d'envois réussis. Les erreurs d'écriture sont absorbées: la déconnexion
// est détectée côté lecture.
func (m *MatchServer) broadcast(v interface{}) int {
	sent := 0
	for _, slot := range m.slots {
		if slot.conn == nil {
			continue
		}
		if err := slot.conn.WriteJSON(v); err == nil {
			sent++
		}
	}
	return sent
}

// finalize diffuse GAME_OVER puis rapporte le résultat au lobby
func (m *MatchServer) finalize() {
	endAt := time.Now()

	results := make([]protocol.MatchResult, 0, len(m.slots))
	for _, slot := range m.slots {
		results = append(results, protocol.MatchResult{
			UserID:   slot.ref.UserID,
			Score:    slot.engine.Score(),
			Lines:    slot.engine.Lines(),
			MaxCombo: slot.engine.MaxCombo(),
		})
	}

	frame := protocol.GameOver{
		Type:    constants.MsgGameOver,
		Winner:  m.winner,
		Results: results,
	}
	m.broadcast(&frame)

	if m.winner != nil {
		m.log.Info("🏆 Match over", zap.Int64("winner", *m.winner))
	} else {
		m.log.Info("🏆 Match over, draw")
	}

	m.reportResult(m.startedAt, endAt)
}

// abortHandshake clôt un match dont les deux joueurs ne se sont pas
// présentés à temps. Le joueur connecté, s'il y en a un, l'emporte.
func (m *MatchServer) abortHandshake() error {
	m.mu.Lock()
	m.phase = phaseAborted
	connected := 0
	var present *playerSlot
	for _, slot := range m.slots {
		if slot.ready {
			connected++
			present = slot
		}
	}
	m.mu.Unlock()

	if connected == 1 {
		id := present.ref.UserID
		m.winner = &id
	}
	m.log.Warn("⏰ Handshake timeout, aborting match", zap.Int("connected", connected))

	m.finalize()
	m.closeConns()
	return nil
}

func (m *MatchServer) closeConns() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, slot := range m.slots {
		if slot.conn != nil {
			_ = slot.conn.Close()
		}
	}
}

// reportResult pousse le résultat final au service de session sur une
// connexion de contrôle dédiée. Sans adresse de lobby, le rapport est omis.
func (m *MatchServer) reportResult(startAt, endAt time.Time) {
	if m.cfg.LobbyAddr == "" {
		return
	}

	users := make([]int64, 0, len(m.slots))
	results := make([]models.GameResult, 0, len(m.slots))
	for _, slot := range m.slots {
		users = append(users, slot.ref.UserID)
		results = append(results, models.GameResult{
			UserID:   slot.ref.UserID,
			Score:    slot.engine.Score(),
			Lines:    slot.engine.Lines(),
			MaxCombo: slot.engine.MaxCombo(),
		})
	}

	payload := models.ReportGameResultPayload{
		MatchID: m.cfg.MatchID,
		RoomID:  m.cfg.RoomID,
		Users:   users,
		StartAt: startAt,
		EndAt:   endAt,
		Winner:  m.winner,
		Results: results,
	}

	req, err := protocol.NewRequest(constants.ActReportGameResult, &payload)
	if err != nil {
		m.log.Error("❌ Failed to build result report", zap.Error(err))
		return
	}

	conn, err := net.DialTimeout("tcp", m.cfg.LobbyAddr, reportTimeout)
	if err != nil {
		m.log.Error("❌ Failed to reach lobby for result report", zap.Error(err))
		return
	}
	pc := protocol.NewConn(conn)
	defer pc.Close()

	if err := pc.WriteJSON(req); err != nil {
		m.log.Error("❌ Failed to send result report", zap.Error(err))
		return
	}

	raw, err := pc.ReadFrameTimeout(reportTimeout)
	if err != nil {
		m.log.Error("❌ No acknowledgement for result report", zap.Error(err))
		return
	}
	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil || !resp.IsSuccess() {
		m.log.Error("❌ Lobby refused result report", zap.String("message", resp.Message))
		return
	}
	m.log.Info("📊 Result reported to lobby")
}
