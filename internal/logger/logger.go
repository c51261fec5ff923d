package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the shared application logger
var Log *zap.Logger

// InitLogger sets up the global zap logger
func InitLogger() {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "timestamp"

	var err error
	Log, err = config.Build(zap.AddCallerSkip(0))
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
}

// Sync flushes any buffered log entries
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
