// Package logging builds the zerolog.Logger shared by every component.
//
// There is deliberately no package-level logger: New returns a value that
// callers thread through explicitly rather than reaching for a global.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds a console-formatted zerolog.Logger writing to w (os.Stderr in
// production, a bytes.Buffer in tests). debug raises the level to Debug;
// the default is Info per ISO 13400-2 §6.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// Default builds the standard stderr logger used by cmd/doipgw.
func Default(debug bool) zerolog.Logger {
	return New(os.Stderr, debug)
}
