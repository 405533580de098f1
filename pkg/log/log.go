package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultLogLevel is the default log level value.
var DefaultLogLevel = len(logrus.AllLevels) - 2

// Options capture the logging configuration.
type Options struct {
	Level  int
	Stdout bool
	Format string
}

// SetLogLevel adjusts the logrus level.
func SetLogLevel(level int) {
	if level > len(logrus.AllLevels)-1 {
		level = len(logrus.AllLevels) - 1
	} else if level < 0 {
		level = 0
	}
	logrus.SetLevel(logrus.AllLevels[level])
}

// New returns a logger with the given module field.
func New(module string) *logrus.Entry {
	return logrus.WithField("module", module)
}

// Configure configures the logging.
func Configure(options *Options) {
	SetLogLevel(options.Level)

	switch options.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "term":
		logrus.SetFormatter(&logrus.TextFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	if options.Stdout {
		logrus.SetOutput(os.Stdout)
	} else {
		logrus.SetOutput(os.Stderr)
	}
}
