package util

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug uint64

var logger = logrus.New()

func init() {
	if s := os.Getenv("FLOG_DEBUG"); s != "" {
		if lvl, err := strconv.ParseUint(s, 10, 64); err == nil {
			debug = lvl
		}
	}
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.DebugLevel)
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= debug {
		logger.Debugf(format, a...)
	}
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}
