// cmd/gameserver/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tchouaga/tetris-duel-go/internal/server/game"
	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
)

// Config regroupe les réglages d'un serveur de match
type Config struct {
	Server struct {
		Host string `yaml:"host"`
	} `yaml:"server"`
	Match struct {
		TickMs       int `yaml:"tick_ms"`
		DropMs       int `yaml:"drop_ms"`
		HandshakeSec int `yaml:"handshake_sec"`
	} `yaml:"match"`
	Logging struct {
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = constants.DefaultHost
	return cfg
}

func loadConfig(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// playerFlags accumule les paires user_id:role passées en ligne de commande
type playerFlags []game.PlayerRef

func (p *playerFlags) String() string {
	parts := make([]string, 0, len(*p))
	for _, ref := range *p {
		parts = append(parts, fmt.Sprintf("%d:%s", ref.UserID, ref.Role))
	}
	return strings.Join(parts, ",")
}

func (p *playerFlags) Set(v string) error {
	id, role, ok := strings.Cut(v, ":")
	if !ok {
		return fmt.Errorf("expected user_id:role, got %q", v)
	}
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", id)
	}
	r := constants.Role(role)
	if r != constants.RoleHost && r != constants.RoleGuest {
		return fmt.Errorf("invalid role %q", role)
	}
	*p = append(*p, game.PlayerRef{UserID: uid, Role: r})
	return nil
}

func main() {
	_ = godotenv.Load()

	var players playerFlags
	var (
		configPath = flag.String("config", "configs/gameserver.yaml", "fichier de configuration YAML")
		host       = flag.String("host", "", "adresse d'écoute, prime sur la configuration")
		port       = flag.Int("port", 0, "port d'écoute du match")
		matchID    = flag.String("match-id", "", "identifiant du match")
		roomID     = flag.Int64("room-id", 0, "identifiant de la salle")
		seed       = flag.Int64("seed", 0, "graine du générateur de pièces")
		lobbyAddr  = flag.String("lobby", "", "adresse du service de session pour le rapport final")
		dev        = flag.Bool("dev", false, "journaux lisibles en console")
	)
	flag.Var(&players, "player", "joueur au format user_id:role, à répéter deux fois")
	flag.Parse()

	cfg := defaultConfig()
	if err := loadConfig(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "gameserver: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *dev {
		cfg.Logging.Development = true
	}

	if *matchID == "" || *roomID == 0 || *port == 0 || len(players) != 2 {
		fmt.Fprintln(os.Stderr, "gameserver: --match-id, --room-id, --port and two --player are required")
		flag.Usage()
		os.Exit(2)
	}

	if err := logging.Initialize(cfg.Logging.Development); err != nil {
		fmt.Fprintf(os.Stderr, "gameserver: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := game.NewMatchServer(game.MatchConfig{
		MatchID:          *matchID,
		RoomID:           *roomID,
		Seed:             *seed,
		Players:          [2]game.PlayerRef{players[0], players[1]},
		Host:             cfg.Server.Host,
		Port:             *port,
		LobbyAddr:        *lobbyAddr,
		TickInterval:     time.Duration(cfg.Match.TickMs) * time.Millisecond,
		DropInterval:     time.Duration(cfg.Match.DropMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(cfg.Match.HandshakeSec) * time.Second,
	})

	if err := m.Serve(ctx); err != nil {
		log.Fatal("❌ Match server failed", zap.Error(err))
	}
	log.Info("🏆 Match completed", zap.String("match_id", *matchID))
}
