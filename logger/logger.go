// Package logger builds the process-wide structured logger.
package logger

import (
	"github.com/sirupsen/logrus"
)

// New returns a logger at level, JSON formatted unless format is "text".
// An unknown level falls back to info.
func New(level, format string) *logrus.Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
