// Package logger builds the service's zap logger from configuration.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/billing-engine/config"
)

// New returns a JSON production logger, or a console development logger when
// the configured level is debug. Stack traces are disabled to keep logs short.
func New(cfg *config.Config) (*zap.Logger, error) {
	level := strings.ToLower(cfg.Logging.Level)

	zc := zap.NewProductionConfig()
	if level == "debug" {
		zc = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.DisableStacktrace = true

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("service", cfg.ServiceName)), nil
}
