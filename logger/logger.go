package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/afero"
)

var once sync.Once
var zLogger zerolog.Logger
var DebugMode bool

var attackOnce sync.Once
var attackLogger zerolog.Logger

var suspiciousOnce sync.Once
var suspiciousLogger zerolog.Logger

const (
	GeneralLogFile    = "hivetrap.log"
	ErrorLogFile      = "error.log"
	AttackLogFile     = "attack.log"
	SuspiciousLogFile = "suspicious.log"
)

type LevelWriter zerolog.LevelWriter

type LevelWriterAdapter struct {
	zerolog.LevelWriterAdapter
	Level zerolog.Level
}

// zerolog allows for logging at the following levels (from highest to lowest):
// panic (zerolog.PanicLevel, 5)
// fatal (zerolog.FatalLevel, 4)
// error (zerolog.ErrorLevel, 3)
// warn (zerolog.WarnLevel, 2)
// info (zerolog.InfoLevel, 1)
// debug (zerolog.DebugLevel, 0)
// trace (zerolog.TraceLevel, -1)

// Directory returns the directory holding the file sinks, LOG_DIR if set
// or ./logs otherwise.
func Directory() string {
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		return dir
	}
	return "./logs"
}

// GetLogger returns a logger instance, initializing it if necessary
func GetLogger() zerolog.Logger {
	// ensure that the logger is only created once
	once.Do(func() {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

		// create console writer
		var output io.Writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		tmpLogger := zerolog.New(output).With().Timestamp().Logger()

		logLevel := zerolog.InfoLevel

		// set both file writer and stdout logging level to debug if DebugMode is set
		if DebugMode {
			logLevel = zerolog.DebugLevel
		}

		var writers []io.Writer

		// create leveled writer to stdout
		var stdWriter LevelWriter = LevelWriterAdapter{Level: logLevel, LevelWriterAdapter: zerolog.LevelWriterAdapter{Writer: output}}
		stdLogger := &zerolog.FilteredLevelWriter{
			Writer: stdWriter,
			Level:  logLevel,
		}
		writers = append(writers, stdLogger)

		// file sinks are best effort, the honeypot must come up even on a
		// read-only filesystem
		afs := afero.NewOsFs()
		logDir := Directory()
		if err := afs.MkdirAll(logDir, 0o755); err != nil {
			tmpLogger.Err(err).Msg("unable to create log directory, logging to console only")
		} else {
			general, err := openSink(afs, filepath.Join(logDir, GeneralLogFile))
			if err != nil {
				tmpLogger.Err(err).Msg("unable to open general log file")
			} else {
				var fileWriter LevelWriter = LevelWriterAdapter{Level: logLevel, LevelWriterAdapter: zerolog.LevelWriterAdapter{Writer: general}}
				writers = append(writers, &zerolog.FilteredLevelWriter{
					Writer: fileWriter,
					Level:  logLevel,
				})
			}

			errSink, err := openSink(afs, filepath.Join(logDir, ErrorLogFile))
			if err != nil {
				tmpLogger.Err(err).Msg("unable to open error log file")
			} else {
				var errWriter LevelWriter = LevelWriterAdapter{Level: zerolog.ErrorLevel, LevelWriterAdapter: zerolog.LevelWriterAdapter{Writer: errSink}}
				writers = append(writers, &zerolog.FilteredLevelWriter{
					Writer: errWriter,
					Level:  zerolog.ErrorLevel,
				})
			}
		}

		// log to both stdout and file
		output = zerolog.MultiLevelWriter(writers...)
		zLogger = zerolog.New(output).With().Timestamp().Logger()
	})
	return zLogger
}

// AttackLog returns the logger that records every reported attack as a
// JSON line in attack.log.
func AttackLog() zerolog.Logger {
	attackOnce.Do(func() {
		attackLogger = jsonFileLogger(AttackLogFile)
	})
	return attackLogger
}

// SuspiciousLog returns the logger that records events which were observed
// but not reported, throttled duplicates and filtered sources.
func SuspiciousLog() zerolog.Logger {
	suspiciousOnce.Do(func() {
		suspiciousLogger = jsonFileLogger(SuspiciousLogFile)
	})
	return suspiciousLogger
}

func jsonFileLogger(name string) zerolog.Logger {
	afs := afero.NewOsFs()
	logDir := Directory()
	if err := afs.MkdirAll(logDir, 0o755); err != nil {
		lg := GetLogger()
		lg.Err(err).Str("file", name).Msg("unable to create log directory, dropping sink")
		return zerolog.New(io.Discard)
	}
	sink, err := openSink(afs, filepath.Join(logDir, name))
	if err != nil {
		lg := GetLogger()
		lg.Err(err).Str("file", name).Msg("unable to open log file, dropping sink")
		return zerolog.New(io.Discard)
	}
	return zerolog.New(sink).With().Timestamp().Logger()
}

func openSink(afs afero.Fs, path string) (afero.File, error) {
	return afs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func (lw LevelWriterAdapter) WriteLevel(l zerolog.Level, p []byte) (n int, err error) {
	if l >= lw.Level {
		return lw.Write(p)
	}
	return 0, nil
}
