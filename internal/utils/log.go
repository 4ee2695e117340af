// Package utils
package utils

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// InitLogger configures the process logger. Calls after the first GetLogger are ignored.
func InitLogger(level, file string) {
	once.Do(func() {
		logger = newLogger(level, file)
	})
}

func GetLogger() *logrus.Logger {
	once.Do(func() {
		logger = newLogger("info", "")
	})
	return logger
}

func newLogger(level, file string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			l.Fatalf("Logger | failed to open log file %s: %v", file, err)
		}
		out = io.MultiWriter(os.Stdout, f)
	}
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
