// cmd/dbserver/main.go
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tchouaga/tetris-duel-go/internal/server/db"
	"github.com/tchouaga/tetris-duel-go/internal/shared/constants"
	"github.com/tchouaga/tetris-duel-go/internal/shared/logging"
	"github.com/tchouaga/tetris-duel-go/internal/shared/metrics"
)

// Config regroupe les réglages du service de persistance
type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		MetricsPort int    `yaml:"metrics_port"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Logging struct {
		Development bool `yaml:"development"`
	} `yaml:"logging"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Host = constants.DefaultHost
	cfg.Server.Port = constants.DefaultDBPort
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "tetris_duel.db"
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
	if v := os.Getenv("TETRIS_DB_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TETRIS_DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("TETRIS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TETRIS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
}

func main() {
	_ = godotenv.Load()

	var (
		configPath  = flag.String("config", "configs/dbserver.yaml", "fichier de configuration YAML")
		host        = flag.String("host", "", "adresse d'écoute, prime sur la configuration")
		port        = flag.Int("port", 0, "port d'écoute, prime sur la configuration")
		driver      = flag.String("driver", "", "pilote de base: sqlite ou mysql")
		dsn         = flag.String("dsn", "", "DSN de la base de données")
		metricsPort = flag.Int("metrics-port", 0, "port du point d'administration, 0 le désactive")
		dev         = flag.Bool("dev", false, "journaux lisibles en console")
	)
	flag.Parse()

	cfg := defaultConfig()
	if err := loadConfig(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "dbserver: %v\n", err)
		os.Exit(1)
	}
	applyEnv(cfg)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *metricsPort != 0 {
		cfg.Server.MetricsPort = *metricsPort
	}
	if *dev {
		cfg.Logging.Development = true
	}

	if err := logging.Initialize(cfg.Logging.Development); err != nil {
		fmt.Fprintf(os.Stderr, "dbserver: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	log := logging.Named("main")

	storage, err := db.NewStorage(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal("❌ Failed to open storage", zap.Error(err))
	}
	defer storage.Close()
	log.Info("💾 Storage ready",
		zap.String("driver", cfg.Database.Driver),
		zap.String("dsn", cfg.Database.DSN))

	if cfg.Server.MetricsPort > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
		go func() {
			log.Info("📊 Admin endpoint listening", zap.String("addr", addr))
			if err := http.ListenAndServe(addr, metrics.AdminRouter("dbserver")); err != nil {
				log.Warn("⚠️ Admin endpoint stopped", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := db.NewServer(db.ServerConfig{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}, storage)
	if err := srv.Serve(ctx); err != nil {
		log.Fatal("❌ Persistence service failed", zap.Error(err))
	}
}
