// Package logger provides the process-wide structured logger.
//
// Output is teed: human-readable console lines on stdout plus JSON records
// in a size-rotated file, so reconciliation runs can be audited after the
// fact without scraping terminal output.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	once  sync.Once
	log   *zap.Logger
	sugar *zap.SugaredLogger
)

// Init builds the singleton logger. Safe to call more than once; only the
// first call's path takes effect.
func Init(appName, logPath string) {
	once.Do(func() {
		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.TimeKey = "timestamp"
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
		})

		core := zapcore.NewTee(
			zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stdout), zapcore.InfoLevel),
			zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), fileWriter, zapcore.DebugLevel),
		)

		log = zap.New(core,
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel),
			zap.Fields(zap.String("app", appName)),
		)
		sugar = log.Sugar()
	})
}

// Get returns the singleton logger, initializing a default one if Init was
// never called (tests, ad-hoc tools).
func Get() *zap.Logger {
	Init("policysync", "logs/policysync.log")
	return log
}

// Sugared returns the sugared form of the singleton logger.
func Sugared() *zap.SugaredLogger {
	Init("policysync", "logs/policysync.log")
	return sugar
}
