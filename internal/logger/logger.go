package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// Setup builds the application logger: JSON to stdout in production,
// a console writer everywhere else.
func Setup(env string) zerolog.Logger {
	if env == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(out).With().Timestamp().Logger().Level(zerolog.DebugLevel)
}
