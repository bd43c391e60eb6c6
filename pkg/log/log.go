package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Components derive child loggers
// from it via WithComponent rather than logging through it directly, so
// every line carries its origin. Usable before Init for early startup
// errors.
var Logger = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.RFC3339,
}).With().Timestamp().Logger()

// envLevel is the bootstrap environment variable through which the
// executors hand worker processes their log level. It overrides
// Config.Level, so a worker subprocess or container needs no flag plumbing
// of its own.
const envLevel = "LOG_LEVEL"

// Config holds logging configuration
type Config struct {
	// Level is one of debug, info, warn, error. The LOG_LEVEL environment
	// variable, when set, wins over this field.
	Level string

	// JSONOutput switches from the human-oriented console format to JSON
	// for log aggregation
	JSONOutput bool

	// Output defaults to stdout
	Output io.Writer
}

// Init configures the root logger for this process. In the orchestrator the
// level comes from the command line; in worker processes it arrives through
// the bootstrap environment, which Init picks up by itself.
func Init(cfg Config) {
	level := cfg.Level
	if env := os.Getenv(envLevel); env != "" {
		level = env
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// ParseLevel maps a level name to a zerolog level. Unknown names fall back
// to info rather than failing: a worker with a mistyped LOG_LEVEL should
// run, not die.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent creates a child logger tagged with a component name
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForJob derives a logger carrying the identifiers that stitch one job's
// trail across driver, queue, and worker: the job id plus, when the caller
// supplied one, the correlation id.
func ForJob(logger zerolog.Logger, jobID int64, correlationID string) zerolog.Logger {
	ctx := logger.With().Int64("job_id", jobID)
	if correlationID != "" {
		ctx = ctx.Str("correlation_id", correlationID)
	}
	return ctx.Logger()
}
