// Package logging builds the single *zap.SugaredLogger this module
// threads through every long-lived service. Unlike the teacher's
// package-global Logger, services here take a *zap.SugaredLogger as a
// constructor argument so unit tests can inject zaptest loggers.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	srverrors "github.com/zerocache/sync-engine/internal/errors"
)

// New builds a *zap.SugaredLogger. jsonOutput selects structured JSON
// (for production log aggregation) versus a plain console encoder (for
// local development), mirroring the teacher's Initialize(jsonOutput).
func New(jsonOutput bool) (*zap.SugaredLogger, error) {
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stdout),
		zap.InfoLevel,
	)
	return zap.New(core).Sugar(), nil
}

// Nop returns a logger that discards everything, for tests that don't
// assert on log output.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// AtLevel logs err against the given logger at the level it reports for
// itself via internal/errors.LevelOf — warn for protocol errors, error
// for everything else, per spec.md §7.
func AtLevel(logger *zap.SugaredLogger, msg string, err error, keysAndValues ...interface{}) {
	fields := append([]interface{}{"error", err}, keysAndValues...)
	switch srverrors.LevelOf(err) {
	case zapcore.DebugLevel:
		logger.Debugw(msg, fields...)
	case zapcore.InfoLevel:
		logger.Infow(msg, fields...)
	case zapcore.WarnLevel:
		logger.Warnw(msg, fields...)
	default:
		logger.Errorw(msg, fields...)
	}
}
