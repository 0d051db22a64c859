// internal/server/lobby/launcher.go
package lobby

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tchouaga/tetris-duel-go/internal/server/game"
	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/internal/shared/models"
)

// startupGrace est le délai pendant lequel une instance fraîchement
// lancée est surveillée: une mort immédiate fait échouer le lancement.
const startupGrace = 300 * time.Millisecond

// MatchInfo décrit une instance de match lancée
type MatchInfo struct {
	MatchID   string
	RoomID    int64
	Host      string
	Port      int
	Seed      int64
	Players   [2]game.PlayerRef
	StartedAt time.Time
}

// MatchHandle pilote la vie d'une instance de match
type MatchHandle interface {
	// Wait bloque jusqu'à la fin de l'instance; consommé une seule fois
	Wait() error
	Kill() error
}

// Spawner démarre une instance de match. ln est l'écouteur déjà lié au
// port alloué: une implémentation en processus le reprend tel quel, une
// implémentation en sous-processus le ferme et laisse l'enfant relier
// le port.
type Spawner interface {
	Spawn(info MatchInfo, ln net.Listener) (MatchHandle, error)
}

// ProcessSpawner exécute le binaire gameserver en sous-processus
type ProcessSpawner struct {
	Bin       string
	LobbyAddr string
}

func (s *ProcessSpawner) Spawn(info MatchInfo, ln net.Listener) (MatchHandle, error) {
	// L'enfant relie lui-même le port alloué
	if err := ln.Close(); err != nil {
		return nil, errors.Wrap(err, "release allocated port")
	}

	args := []string{
		"--port", strconv.Itoa(info.Port),
		"--match-id", info.MatchID,
		"--room-id", strconv.FormatInt(info.RoomID, 10),
		"--seed", strconv.FormatInt(info.Seed, 10),
		"--player", fmt.Sprintf("%d:%s", info.Players[0].UserID, info.Players[0].Role),
		"--player", fmt.Sprintf("%d:%s", info.Players[1].UserID, info.Players[1].Role),
	}
	if s.LobbyAddr != "" {
		args = append(args, "--lobby", s.LobbyAddr)
	}

	cmd := exec.Command(s.Bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start game server process")
	}
	return &processHandle{cmd: cmd}, nil
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Wait() error {
	return h.cmd.Wait()
}

func (h *processHandle) Kill() error {
	return h.cmd.Process.Kill()
}

// InprocSpawner fait tourner le serveur de match dans le processus du
// lobby, avec la même sémantique de vie que le sous-processus. Utilisé
// par les tests et les déploiements mono-binaire.
type InprocSpawner struct {
	LobbyAddr string
}

func (s *InprocSpawner) Spawn(info MatchInfo, ln net.Listener) (MatchHandle, error) {
	m := game.NewMatchServer(game.MatchConfig{
		MatchID:   info.MatchID,
		RoomID:    info.RoomID,
		Seed:      info.Seed,
		Players:   info.Players,
		Listener:  ln,
		LobbyAddr: s.LobbyAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Serve(ctx)
	}()
	return &inprocHandle{cancel: cancel, errCh: errCh}, nil
}

type inprocHandle struct {
	cancel context.CancelFunc
	errCh  chan error
}

func (h *inprocHandle) Wait() error {
	err := <-h.errCh
	h.cancel()
	return err
}

func (h *inprocHandle) Kill() error {
	h.cancel()
	return nil
}

// LauncherConfig paramètre l'allocation des matchs
type LauncherConfig struct {
	Spawner  Spawner
	Host     string // adresse annoncée aux clients
	BasePort int
	Span     int
	MaxMatch time.Duration

	// OnExit est rappelé quand une instance lancée se termine, avec
	// l'erreur de sortie éventuelle. Jamais rappelé pour une instance
	// morte pendant le délai de grâce.
	OnExit func(info MatchInfo, err error)
}

// Launcher alloue les ports de match, lance les instances et surveille
// leur vie jusqu'à récupération du port.
type Launcher struct {
	log     *zap.Logger
	spawner Spawner
	host    string
	base    int
	span    int
	maxDur  time.Duration
	onExit  func(MatchInfo, error)

	mu     sync.Mutex
	active map[string]*activeMatch // par match id
	byRoom map[int64]string        // room id -> match id
	wg     sync.WaitGroup
}

type activeMatch struct {
	info    MatchInfo
	handle  MatchHandle
	killT   *time.Timer
	started bool // vrai une fois le délai de grâce passé
	exitCh  chan error
}

func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = constants.DefaultMatchBasePort
	}
	if cfg.Span <= 0 {
		cfg.Span = constants.MatchPortSpan
	}
	if cfg.MaxMatch <= 0 {
		cfg.MaxMatch = constants.MaxMatchDuration * time.Minute
	}
	return &Launcher{
		log:     logging.Named("launcher"),
		spawner: cfg.Spawner,
		host:    cfg.Host,
		base:    cfg.BasePort,
		span:    cfg.Span,
		maxDur:  cfg.MaxMatch,
		onExit:  cfg.OnExit,
		active:  make(map[string]*activeMatch),
		byRoom:  make(map[int64]string),
	}
}

// allocPort balaie la plage configurée et renvoie le premier port libre,
// déjà lié pour fermer la fenêtre de course avec les autres processus.
func (l *Launcher) allocPort() (net.Listener, int, error) {
	for port := l.base; port < l.base+l.span; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, models.NewServiceError(constants.KindLauncherError,
		fmt.Sprintf("no free port in range %d-%d", l.base, l.base+l.span-1))
}

func newSeed() (int64, error) {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0, errors.Wrap(err, "read random seed")
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// Launch alloue un port et une graine, démarre l'instance de match et
// la surveille. L'instance doit survivre au délai de grâce pour que le
// lancement soit considéré comme réussi.
func (l *Launcher) Launch(roomID int64, players [2]game.PlayerRef) (*MatchInfo, error) {
	l.mu.Lock()
	if matchID, running := l.byRoom[roomID]; running {
		l.mu.Unlock()
		l.log.Warn("⚠️ Room already has a running match",
			zap.Int64("room_id", roomID),
			zap.String("match_id", matchID))
		return nil, models.NewServiceError(constants.KindLauncherError, "room already has a running match")
	}
	l.mu.Unlock()

	ln, port, err := l.allocPort()
	if err != nil {
		return nil, err
	}

	seed, err := newSeed()
	if err != nil {
		_ = ln.Close()
		return nil, models.NewServiceError(constants.KindLauncherError, "failed to generate seed")
	}

	info := MatchInfo{
		MatchID:   uuid.NewString(),
		RoomID:    roomID,
		Host:      l.host,
		Port:      port,
		Seed:      seed,
		Players:   players,
		StartedAt: time.Now(),
	}

	handle, err := l.spawner.Spawn(info, ln)
	if err != nil {
		_ = ln.Close()
		l.log.Error("❌ Failed to spawn game server",
			zap.Int64("room_id", roomID),
			zap.Int("port", port),
			zap.Error(err))
		return nil, models.NewServiceError(constants.KindLauncherError, "failed to spawn game server")
	}

	am := &activeMatch{
		info:   info,
		handle: handle,
		exitCh: make(chan error, 1),
	}
	am.killT = time.AfterFunc(l.maxDur, func() {
		l.log.Warn("⏰ Match exceeded maximum duration, killing",
			zap.String("match_id", info.MatchID))
		_ = handle.Kill()
	})

	l.mu.Lock()
	l.active[info.MatchID] = am
	l.byRoom[roomID] = info.MatchID
	l.mu.Unlock()
	metrics.ActiveMatches.Inc()

	l.wg.Add(1)
	go l.monitor(am)

	// Vérification de vivacité: une mort immédiate annule le lancement
	select {
	case err := <-am.exitCh:
		l.log.Error("❌ Game server died during startup",
			zap.String("match_id", info.MatchID),
			zap.Error(err))
		return nil, models.NewServiceError(constants.KindLauncherError, "game server exited during startup")
	case <-time.After(startupGrace):
	}

	l.mu.Lock()
	am.started = true
	_, alive := l.active[info.MatchID]
	l.mu.Unlock()
	if !alive {
		err := <-am.exitCh
		l.log.Error("❌ Game server died during startup",
			zap.String("match_id", info.MatchID),
			zap.Error(err))
		return nil, models.NewServiceError(constants.KindLauncherError, "game server exited during startup")
	}

	l.log.Info("✅ Game server launched",
		zap.String("match_id", info.MatchID),
		zap.Int64("room_id", roomID),
		zap.Int("port", port),
		zap.Int64("player1", players[0].UserID),
		zap.Int64("player2", players[1].UserID))
	return &info, nil
}

// monitor attend la fin de l'instance, récupère le port et rappelle OnExit
func (l *Launcher) monitor(am *activeMatch) {
	defer l.wg.Done()

	err := am.handle.Wait()
	am.killT.Stop()

	l.mu.Lock()
	delete(l.active, am.info.MatchID)
	delete(l.byRoom, am.info.RoomID)
	launched := am.started
	l.mu.Unlock()
	metrics.ActiveMatches.Dec()

	if !launched {
		am.exitCh <- err
		return
	}

	l.log.Info("🎮 Game server exited",
		zap.String("match_id", am.info.MatchID),
		zap.Int64("room_id", am.info.RoomID),
		zap.Error(err))
	if l.onExit != nil {
		l.onExit(am.info, err)
	}
}

// Abort tue une instance dont le lancement doit être annulé
func (l *Launcher) Abort(matchID string) {
	l.mu.Lock()
	am, ok := l.active[matchID]
	l.mu.Unlock()
	if ok {
		_ = am.handle.Kill()
	}
}

// ActiveCount renvoie le nombre d'instances en cours
func (l *Launcher) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Shutdown tue toutes les instances et attend leurs moniteurs
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	for _, am := range l.active {
		_ = am.handle.Kill()
	}
	l.mu.Unlock()
	l.wg.Wait()
	l.log.Info("🛑 All game servers stopped")
}
