// Package logging builds the zap logger shared by every binary.
package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New returns a development logger for local environments and a JSON
// production logger everywhere else.
func New(appEnv string) (*zap.Logger, error) {
	switch strings.ToLower(appEnv) {
	case "dev", "development", "local":
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}

// Must is New that panics, for use in main.
func Must(appEnv string) *zap.Logger {
	l, err := New(appEnv)
	if err != nil {
		panic(err)
	}
	return l
}
