package consensus

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapRaftLogger adapts a zap.Logger to the hclog.Logger interface the
// HashiCorp raft library expects, so raft logs flow through the daemon
// logger.
type ZapRaftLogger struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

// NewZapRaftLogger creates the adapter. The zap logger should already be
// scoped to the raft component.
func NewZapRaftLogger(zapLogger *zap.Logger) *ZapRaftLogger {
	initialLevel := zap.InfoLevel
	if core := zapLogger.Core(); core.Enabled(zap.DebugLevel) {
		initialLevel = zap.DebugLevel
	}
	return &ZapRaftLogger{
		logger: zapLogger,
		level:  zap.NewAtomicLevelAt(initialLevel),
	}
}

func (z *ZapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.log(zap.ErrorLevel, msg, args...)
	default:
		z.log(zap.InfoLevel, msg, args...)
	}
}

// Trace maps to zap's Debug; zap has no trace level.
func (z *ZapRaftLogger) Trace(msg string, args ...interface{}) {
	z.log(zap.DebugLevel, msg, args...)
}

func (z *ZapRaftLogger) Debug(msg string, args ...interface{}) {
	z.log(zap.DebugLevel, msg, args...)
}

func (z *ZapRaftLogger) Info(msg string, args ...interface{}) {
	z.log(zap.InfoLevel, msg, args...)
}

func (z *ZapRaftLogger) Warn(msg string, args ...interface{}) {
	z.log(zap.WarnLevel, msg, args...)
}

func (z *ZapRaftLogger) Error(msg string, args ...interface{}) {
	z.log(zap.ErrorLevel, msg, args...)
}

func (z *ZapRaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	if !z.level.Enabled(level) {
		return
	}
	fields := z.argsToZapFields(args...)
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (z *ZapRaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapRaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapRaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *ZapRaftLogger) With(args ...interface{}) hclog.Logger {
	return &ZapRaftLogger{
		logger: z.logger.With(z.argsToZapFields(args...)...),
		name:   z.name,
		level:  z.level,
	}
}

func (z *ZapRaftLogger) Named(name string) hclog.Logger {
	newName := name
	if z.name != "" {
		newName = z.name + "." + name
	}
	return &ZapRaftLogger{
		logger: z.logger.Named(name),
		name:   newName,
		level:  z.level,
	}
}

func (z *ZapRaftLogger) ResetNamed(name string) hclog.Logger {
	return &ZapRaftLogger{
		logger: z.logger.Named(name),
		name:   name,
		level:  z.level,
	}
}

// GetLevel returns the current logging level.
func (z *ZapRaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

// SetLevel changes the logging level.
func (z *ZapRaftLogger) SetLevel(level hclog.Level) {
	var zapLevel zapcore.Level
	switch level {
	case hclog.Trace, hclog.Debug:
		zapLevel = zap.DebugLevel
	case hclog.Warn:
		zapLevel = zap.WarnLevel
	case hclog.Error:
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}
	z.level.SetLevel(zapLevel)
}

// ImpliedArgs is not tracked; raft does not depend on it.
func (z *ZapRaftLogger) ImpliedArgs() []interface{} {
	return nil
}

// Name returns the name of the logger.
func (z *ZapRaftLogger) Name() string {
	return z.name
}

// StandardLogger is unused by raft in this configuration.
func (z *ZapRaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return nil
}

// StandardWriter is unused by raft in this configuration.
func (z *ZapRaftLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return nil
}

func (z *ZapRaftLogger) argsToZapFields(args ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.Any(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
