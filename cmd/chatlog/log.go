package chatlog

import (
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

func initLog(debug bool, logFile string) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var out io.Writer = os.Stderr
	noColor := false
	if logFile != "" {
		f, err := openLogFile(logFile)
		if err != nil {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
			log.Warn().Err(err).Str("path", logFile).Msg("open log file failed, logging to stderr")
		} else {
			out = f
			noColor = true
		}
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, NoColor: noColor, TimeFormat: time.RFC3339})
	logrus.SetOutput(out)
	stdlog.SetOutput(out)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
