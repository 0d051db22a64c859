// cmd/lobbyserver/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tchouaga/tetris-duel-go/internal/server/lobby"
	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
	"github.com/tchouaga/tetris-duel-go/pkg/dbclient"
)

// Config regroupe les réglages du service de session
type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		MetricsPort int    `yaml:"metrics_port"`
	} `yaml:"server"`
	Persistence struct {
		Addr string `yaml:"addr"`
	} `yaml:"persistence"`
	Match struct {
		Host          string `yaml:"host"`
		BasePort      int    `yaml:"base_port"`
		PortSpan      int    `yaml:"port_span"`
		MaxMinutes    int    `yaml:"max_minutes"`
		GameServerBin string `yaml:"game_server_bin"`
		Inproc        bool   `yaml:"inproc"`
	} `yaml:"match"`
	Logging struct {
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = constants.DefaultHost
	cfg.Server.Port = constants.DefaultLobbyPort
	cfg.Persistence.Addr = fmt.Sprintf("127.0.0.1:%d", constants.DefaultDBPort)
	cfg.Match.Host = "127.0.0.1"
	cfg.Match.BasePort = constants.DefaultMatchBasePort
	cfg.Match.PortSpan = constants.MatchPortSpan
	cfg.Match.MaxMinutes = constants.MaxMatchDuration
	cfg.Match.GameServerBin = "gameserver"
	return cfg
}

// loadConfig superpose le fichier YAML aux défauts. Un fichier absent
// n'est pas une erreur.
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

// applyEnv superpose les variables d'environnement au fichier
func applyEnv(cfg *Config) {
	if v := os.Getenv("TETRIS_LOBBY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TETRIS_LOBBY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("TETRIS_DB_ADDR"); v != "" {
		cfg.Persistence.Addr = v
	}
	if v := os.Getenv("TETRIS_GAMESERVER_BIN"); v != "" {
		cfg.Match.GameServerBin = v
	}
}

func main() {
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "configs/lobbyserver.yaml", "fichier de configuration YAML")
		host        = flag.String("host", "", "adresse d'écoute, prime sur la configuration")
		port        = flag.Int("port", 0, "port d'écoute, prime sur la configuration")
		dbAddr      = flag.String("db-addr", "", "adresse du service de persistance")
		gsBin       = flag.String("game-server-bin", "", "binaire serveur de match à lancer")
		inproc      = flag.Bool("inproc-matches", false, "matchs dans le processus du lobby")
		metricsPort = flag.Int("metrics-port", 0, "port du point d'administration, 0 le désactive")
		dev         = flag.Bool("dev", false, "journaux lisibles en console")
	)
	flag.Parse()

	cfg := defaultConfig()
	if err := loadConfig(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "lobbyserver: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbAddr != "" {
		cfg.Persistence.Addr = *dbAddr
	}
	if *gsBin != "" {
		cfg.Match.GameServerBin = *gsBin
	}
	if *inproc {
		cfg.Match.Inproc = true
	}
	if *metricsPort != 0 {
		cfg.Server.MetricsPort = *metricsPort
	}
	if *dev {
		cfg.Logging.Development = true
	}

	if err := logging.Initialize(cfg.Logging.Development); err != nil {
		fmt.Fprintf(os.Stderr, "lobbyserver: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.Named("main")

	if cfg.Server.MetricsPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
		go func() {
			log.Info("📊 Admin endpoint listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, metrics.AdminRouter("lobbyserver")); err != nil {
				log.Warn("⚠️ Admin endpoint stopped", zap.Error(err))
			}
		}()
	}

	// Les serveurs de match rapportent leurs résultats sur la boucle locale
	reportAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	var spawner lobby.Spawner
	if cfg.Match.Inproc {
		spawner = &lobby.InprocSpawner{LobbyAddr: reportAddr}
		log.Info("🎮 Matches will run in process")
	} else {
		spawner = &lobby.ProcessSpawner{Bin: cfg.Match.GameServerBin, LobbyAddr: reportAddr}
		log.Info("🎮 Matches will be spawned", zap.String("bin", cfg.Match.GameServerBin))
	}

	dbc := dbclient.NewClient(cfg.Persistence.Addr)
	defer dbc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := lobby.NewServer(lobby.ServerConfig{
		Addr:          fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		MatchHost:     cfg.Match.Host,
		MatchBasePort: cfg.Match.BasePort,
		MatchPortSpan: cfg.Match.PortSpan,
		MaxMatch:      time.Duration(cfg.Match.MaxMinutes) * time.Minute,
		Spawner:       spawner,
	}, dbc)
	if err := srv.Serve(ctx); err != nil {
		log.Fatal("❌ Session service failed", zap.Error(err))
	}
}
