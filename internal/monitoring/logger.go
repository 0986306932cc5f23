package monitoring

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to a logrus
// text logger at info level but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = logrus.Infof

// Warnf reports recoverable conditions such as degenerate pivots during
// training or dropped ingest datagrams.
var Warnf func(format string, v ...interface{}) = logrus.Warnf

// Debugf reports per-session detail that is too chatty for info level.
var Debugf func(format string, v ...interface{}) = logrus.Debugf

// SetLogger replaces every package logger with f. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		f = func(string, ...interface{}) {}
	}
	Logf = f
	Warnf = f
	Debugf = f
}

// Options configures the logrus backend installed by Setup.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to info.
	Level string
	// File enables rotated file output alongside stderr when non-empty.
	File string
	// NoColors disables ANSI colouring (useful when stderr is not a TTY).
	NoColors bool
}

// Setup builds the process logger and rebinds Logf, Warnf and Debugf to it.
func Setup(opts Options) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&formatter.Formatter{
		NoColors:        opts.NoColors,
		TimestampFormat: "2006-01-02 15:04:05.000",
		HideKeys:        false,
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, s[len(s)-1])
		},
	})

	writers := []io.Writer{os.Stderr}
	if opts.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			LocalTime:  true,
			Compress:   true,
			MaxSize:    50,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	logger.SetOutput(io.MultiWriter(writers...))

	Logf = logger.Infof
	Warnf = logger.Warnf
	Debugf = logger.Debugf
	return logger
}
