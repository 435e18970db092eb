package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/smenaquispe/observatory/internal/config"
)

// Logger logging interface
type Logger interface {
	// Debug logs a Debug event.
	Debug(msg string, fields ...interface{})
	// Info logs an Info event.
	Info(msg string, fields ...interface{})
	// Warn logs a Warn event.
	Warn(msg string, fields ...interface{})
	// Error logs an Error event.
	Error(msg string, fields ...interface{})
	// Fatal logs a Fatal event and terminates the program.
	Fatal(msg string, fields ...interface{})
}

// zerologAdapter adapts zerolog to the Logger interface.
type zerologAdapter struct {
	logger *zerolog.Logger
}

// addFields attaches key-value pairs to a zerolog event.
func (z *zerologAdapter) addFields(event *zerolog.Event, fields ...interface{}) *zerolog.Event {
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		switch v := fields[i+1].(type) {
		case string:
			event = event.Str(key, v)
		case int:
			event = event.Int(key, v)
		case int64:
			event = event.Int64(key, v)
		case float64:
			event = event.Float64(key, v)
		case bool:
			event = event.Bool(key, v)
		case error:
			event = event.AnErr(key, v)
		case []string:
			event = event.Strs(key, v)
		default:
			event = event.Interface(key, v)
		}
	}
	return event
}

func (z *zerologAdapter) Debug(msg string, fields ...interface{}) {
	z.addFields(z.logger.Debug(), fields...).Msg(msg)
}

func (z *zerologAdapter) Info(msg string, fields ...interface{}) {
	z.addFields(z.logger.Info(), fields...).Msg(msg)
}

func (z *zerologAdapter) Warn(msg string, fields ...interface{}) {
	z.addFields(z.logger.Warn(), fields...).Msg(msg)
}

func (z *zerologAdapter) Error(msg string, fields ...interface{}) {
	z.addFields(z.logger.Error(), fields...).Msg(msg)
}

func (z *zerologAdapter) Fatal(msg string, fields ...interface{}) {
	z.addFields(z.logger.Fatal(), fields...).Msg(msg)
}

// NewLogger creates a logger from configuration. Format "json" writes
// structured output to stdout, anything else uses the console writer.
// File logging, when enabled, always writes JSON through lumberjack.
func NewLogger(cfg *config.LogConfig) Logger {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	var writers []io.Writer
	if strings.EqualFold(cfg.Format, "json") {
		writers = append(writers, os.Stdout)
	} else {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.FileLogging.Enable {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FileLogging.Path,
			MaxSize:    cfg.FileLogging.MaxSizeMB,
			MaxBackups: cfg.FileLogging.MaxBackups,
			MaxAge:     cfg.FileLogging.MaxAgeDays,
			Compress:   cfg.FileLogging.Compress,
		})
	}

	multi := io.MultiWriter(writers...)
	logger := zerolog.New(multi).Level(logLevel).With().Timestamp().Logger()

	return &zerologAdapter{logger: &logger}
}
