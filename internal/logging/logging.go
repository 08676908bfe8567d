// Package logging builds the zap logger shared by every process.
package logging

import (
	"go.uber.org/zap"
)

// New returns a JSON production logger for prod and a console logger otherwise.
func New(env, service string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "prod" || env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}
