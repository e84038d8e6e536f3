// Package telemetry configures the process-wide zerolog logger. The rest of
// the engine calls github.com/rs/zerolog/log directly, the same global-logger
// pattern the pack's zerolog users follow; this package only owns the
// one-time setup (level, output format) done at process start.
package telemetry

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure sets the global zerolog logger's level and output writer.
// devMode selects a human-readable console writer; otherwise structured
// JSON is written to stdout, suitable for log aggregation.
func Configure(levelName string, devMode bool) error {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	if devMode {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: writer}).With().Timestamp().Logger()
		return nil
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()
	return nil
}
