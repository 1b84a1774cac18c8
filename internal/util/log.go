package util

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// ──────────────────────────────────────────────────────────────────────────────
// Adapters for third-party loggers
// ──────────────────────────────────────────────────────────────────────────────

// StdLogger satisfies the Print/Println/Printf logger interface expected by the
// WAMP router and client. Library chatter is logged at debug level.
type StdLogger struct {
	Scope string
}

func (l StdLogger) Print(v ...interface{}) {
	LogDebug("[%s] %s", l.Scope, fmt.Sprint(v...))
}

func (l StdLogger) Println(v ...interface{}) {
	LogDebug("[%s] %s", l.Scope, fmt.Sprint(v...))
}

func (l StdLogger) Printf(format string, v ...interface{}) {
	LogDebug("[%s] %s", l.Scope, fmt.Sprintf(format, v...))
}

// PionLoggerFactory routes pion's leveled loggers into pterm. pion's debug and
// trace output is only shown when debug logging is enabled; pion's info output
// is demoted to debug because pion logs per-packet events at info.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l pionLogger) Trace(msg string)                          { LogDebug("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { l.Trace(fmt.Sprintf(format, args...)) }
func (l pionLogger) Debug(msg string)                          { LogDebug("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }
func (l pionLogger) Info(msg string)                           { LogDebug("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...)) }
func (l pionLogger) Warn(msg string)                           { LogWarning("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...)) }
func (l pionLogger) Error(msg string)                          { LogError("[pion/%s] %s", l.scope, msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }
