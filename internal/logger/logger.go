// Package logger holds the process-wide zap logger.
//
// Call InitLogger once at startup with the configured LOG_LEVEL:
//
//	logger.InitLogger("debug") // debug, info, warn, error
//
// Components take a *zap.Logger in their constructors; main passes logger.Log.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process logger. It is a no-op logger until InitLogger runs.
var Log = zap.NewNop()

// InitLogger builds a JSON production logger at level. Unknown levels fall back
// to info.
func InitLogger(level string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	Log = l
}

// MaskPhone keeps the first two and last two characters of a phone number,
// e.g. 92********67. Raw phone numbers never go to the log.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}

// Phone is a zap field carrying a masked phone number.
func Phone(phone string) zap.Field {
	return zap.String("phone", MaskPhone(phone))
}
