package log

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the process-wide go-kit logger. Components take their logger
// through constructors; this is only used by main.
var Logger = log.NewNopLogger()

// Formats accepted by New.
const (
	FormatLogfmt = "logfmt"
	FormatJSON   = "json"
)

// New returns a leveled go-kit logger writing to w. Unknown levels fall back
// to info, unknown formats to logfmt.
func New(lvl, format string, w io.Writer) log.Logger {
	if w == nil {
		w = os.Stderr
	}

	var logger log.Logger
	if format == FormatJSON {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(lvl, level.InfoValue())))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// InitLogger initialises the global Logger and returns it.
func InitLogger(lvl, format string) log.Logger {
	Logger = New(lvl, format, os.Stderr)
	return Logger
}
