package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"table-sync-service/internal/config"
)

// Log is the process-wide logger. It is a no-op until InitLogger runs.
var Log = zap.NewNop()

func InitLogger(cfg config.LoggingConfig) error {
	level, err := zapcore.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoderCfg zapcore.EncoderConfig
	var encoder zapcore.Encoder
	switch orDefault(cfg.Format, "json") {
	case "json":
		encoderCfg = zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	case "console":
		encoderCfg = zap.NewDevelopmentEncoderConfig()
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}

	sink := zapcore.Lock(os.Stdout)
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return nil
}

func Sync() {
	_ = Log.Sync()
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
