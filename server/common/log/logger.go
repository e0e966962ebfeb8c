package log

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
)

var global atomic.Pointer[zap.SugaredLogger]

func init() {
	global.Store(newLoggerFromEnv())
}

// Reload rebuilds the logger from the current environment. Call it after
// loading a .env file so LOG_* keys set there take effect.
func Reload() {
	old := global.Swap(newLoggerFromEnv())
	_ = old.Sync()
}

func current() *zap.SugaredLogger {
	return global.Load()
}

func newLoggerFromEnv() *zap.SugaredLogger {
	level := zapcore.DebugLevel
	if raw := strings.TrimSpace(os.Getenv(envLogLevel)); raw != "" {
		if parsed, err := zapcore.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat)))
	if format != logFormatJSON {
		format = logFormatText
	}

	consoleCfg := encoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}

	if path := strings.TrimSpace(os.Getenv(envLogFilePath)); path != "" {
		maxSizeBytes := int64(defaultMaxSizeBytes)
		if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
			if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
				maxSizeBytes = int64(sizeMB) * 1024 * 1024
			}
		}
		fileEncoder := zapcore.NewConsoleEncoder(encoderConfig())
		if format == logFormatJSON {
			fileEncoder = zapcore.NewJSONEncoder(encoderConfig())
		}
		sink := newRotatingFile(path, maxSizeBytes)
		cores = append(cores, zapcore.NewCore(fileEncoder, sink, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.ConsoleSeparator = ":"
	return cfg
}

func Debugf(format string, args ...any) {
	current().Debugf(format, args...)
}

func Infof(format string, args ...any) {
	current().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	current().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	current().Errorf(format, args...)
}

// Exceptionf logs at error level with a stack trace attached; used for
// recovered panics.
func Exceptionf(format string, args ...any) {
	current().With(zap.Stack("stack")).Errorf(format, args...)
}

func Sync() error {
	return current().Sync()
}
