package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	logg *logrus.Logger
)

func GetLogger() *logrus.Logger {
	return logg
}

func init() {
	logg = logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	logg.SetLevel(levelFromEnv("LOG_LEVEL", logrus.InfoLevel))
	logg.SetOutput(os.Stdout)
}

func levelFromEnv(key string, def logrus.Level) logrus.Level {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	lvl, err := logrus.ParseLevel(raw)
	if err != nil {
		return def
	}
	return lvl
}

func LogError(logger *logrus.Logger, moduleName string, funcName string, context string, data any, err error) {
	if data != nil {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": funcName,
			"context":  context,
			"data":     data,
		}).Error(err.Error())
	} else {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": funcName,
			"context":  context,
		}).Error(err.Error())
	}
}

// LogWarning records a recovered failure (verifier or reward sync) that did not abort the operation.
func LogWarning(logger *logrus.Logger, moduleName string, funcName string, fields logrus.Fields, err error) {
	entry := logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"funcName": funcName,
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Warn(err.Error())
}
