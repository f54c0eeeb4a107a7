package common

import (
	"io"
	"log"
	"os"
)

var (
	logger = log.New(os.Stderr, "[telemlog] ", log.LstdFlags|log.Lmicroseconds)
)

func Logf(format string, args ...interface{}) {
	logger.Printf(format, args...)
}

// SetLogOutput redirects Logf, e.g. into the daemon's rotated log.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}
