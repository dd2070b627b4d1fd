// Package logger логирование с префиксом сервиса поверх zap.
// Запись буферизуется zap, вызовы не блокируют основную работу. Поддерживается логирование времени выполнения функций.
package logger

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	base   *zap.Logger
	sugar  *zap.SugaredLogger
	prefix string
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	once   sync.Once
)

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func initLogger() {
	level.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	var cfg zap.Config
	if os.Getenv("APP_ENV") == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = level
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	base = l
	rebuild()
}

func rebuild() {
	l := base
	if prefix != "" {
		l = l.Named(prefix)
	}
	sugar = l.Sugar()
}

func get() *zap.SugaredLogger {
	once.Do(initLogger)
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// SetPrefix задаёт имя сервиса для всех последующих логов (например "sync").
func SetPrefix(p string) {
	once.Do(initLogger)
	mu.Lock()
	prefix = p
	rebuild()
	mu.Unlock()
}

// SetLevel меняет уровень на лету ("debug", "info", ...).
func SetLevel(s string) {
	once.Do(initLogger)
	level.SetLevel(parseLevel(s))
}

// Replace подменяет zap-логгер (в тестах: zaptest/observer).
func Replace(l *zap.Logger) {
	once.Do(initLogger)
	mu.Lock()
	base = l.WithOptions(zap.AddCallerSkip(1))
	rebuild()
	mu.Unlock()
}

// Sync сбрасывает буферы; вызывать при завершении процесса.
func Sync() {
	_ = get().Sync()
}

func Info(v ...any)                  { get().Info(v...) }
func Infof(format string, v ...any)  { get().Infof(format, v...) }
func Debugf(format string, v ...any) { get().Debugf(format, v...) }
func Error(v ...any)                 { get().Error(v...) }
func Errorf(format string, v ...any) { get().Errorf(format, v...) }

// With возвращает логгер с полями (chat_id, message_id и т.п.).
func With(kv ...any) *zap.SugaredLogger {
	return get().With(kv...)
}

// LogDuration логирует имя функции и время выполнения.
// При уровне info пишет только вызовы дольше 100ms; при debug: все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if elapsed >= 100*time.Millisecond {
		get().Infow("slow call", "fn", fn, "duration_ms", elapsed.Milliseconds())
		return
	}
	get().Debugw("call", "fn", fn, "duration_ms", elapsed.Milliseconds())
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("msgRepo.Insert", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
