// Package logging configures the shared logrus instance used by both the
// Listener and Worker binaries.
package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New creates a logger at the given level, writing text-formatted lines to
// stdout. An unparseable level is logged and replaced with info rather
// than treated as fatal.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warnf("invalid log level %q, defaulting to info", level)
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)

	return log
}

// DebugEnabled reports whether ACTIONS_STEP_DEBUG or ACTIONS_RUNNER_DEBUG
// is set, per the Worker's debug-logging contract.
func DebugEnabled() bool {
	return truthy(os.Getenv("ACTIONS_STEP_DEBUG")) || truthy(os.Getenv("ACTIONS_RUNNER_DEBUG"))
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "True" || v == "TRUE"
}
