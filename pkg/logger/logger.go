package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Sugared = *zap.SugaredLogger

// New builds the agent logger. level overrides the env default when it parses.
func New(env, level string) Sugared {
	var zc zap.Config
	if env == "prod" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	z, err := zc.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return z.Named("oidc-agent").Sugar()
}

// Nop is used by tests and by components constructed without a logger.
func Nop() Sugared { return zap.NewNop().Sugar() }
