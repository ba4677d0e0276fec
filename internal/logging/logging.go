// Package logging constructs the zap logger shared by every daemon.
package logging

import (
	"go.uber.org/zap"
)

// New returns a SugaredLogger: JSON for machine consumption, console
// otherwise. Callers pass it down explicitly; there is no package-level
// logger.
func New(jsonOutput bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if jsonOutput {
		l, err = zap.NewProduction()
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
		l, err = cfg.Build()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
