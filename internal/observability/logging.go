package observability

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NewLogger returns a structured logger tagged with the given component.
// Log level is controlled through BORROW_LOG_LEVEL (debug, info, warn,
// error); defaults to info.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("BORROW_LOG_LEVEL")) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
