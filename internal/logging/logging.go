// Package logging configures the process-wide zerolog logger and bridges
// third-party log output into it.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format selects how log lines are rendered.
type Format string

const (
	FormatAuto    Format = "auto"
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options controls Setup.
type Options struct {
	Level      string
	Format     Format
	WithCaller bool
	Output     io.Writer
}

// Setup builds a logger from opts, installs it as the global zerolog logger,
// and returns it. An empty level means info.
func Setup(opts Options) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "parse log level %q", s)
		}
		level = parsed
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	format := opts.Format
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			format = FormatConsole
		}
	}

	switch format {
	case FormatConsole:
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	case FormatJSON:
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format %q", format)
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if opts.WithCaller {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	zerolog.SetGlobalLevel(level)
	log.Logger = logger
	return logger, nil
}
