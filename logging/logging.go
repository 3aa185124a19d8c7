package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the process logger. "off" and "none" discard everything; an
// unknown level falls back to info.
func New(level string) *logrus.Logger {
	logger := logrus.New()

	switch strings.ToLower(level) {
	case "off", "none":
		logger.SetOutput(io.Discard)
	default:
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			lvl = logrus.InfoLevel
		}
		logger.SetLevel(lvl)
		logger.SetOutput(os.Stdout)
	}

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return logger
}

// Discard returns a logger that drops all output. Tests use it.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
