// internal/shared/logging/logging.go
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.Logger = zap.NewNop()

// Initialize configure le logger global du processus.
// En mode développement la sortie est lisible en console, sinon JSON structuré.
func Initialize(development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	l, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	logger = l
	return nil
}

// L renvoie le logger global
func L() *zap.Logger {
	return logger
}

// Named renvoie un logger nommé pour un sous-système
func Named(name string) *zap.Logger {
	return logger.Named(name)
}

// Sync vide les tampons du logger, à appeler avant la sortie du processus
func Sync() {
	_ = logger.Sync()
}
