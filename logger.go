package main

import (
	"log/syslog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Priority mirrors syslog's priority vocabulary, used for both relayed
// child output lines and supervisor status records.
type Priority int

const (
	PriInfo Priority = iota
	PriNotice
	PriError
)

// logger fronts the two sinks a running supervisor writes to: the real
// syslog handle (always present, under the configured identity) and, when
// not daemonized, a colored stderr echo built on zap.
type logger struct {
	sys     *syslog.Writer
	console *zap.Logger
}

// newLogger opens a syslog handle tagged with name. When echoStderr is
// true (i.e. -d was given, so the supervisor is not daemonized) it also builds a development-style zap
// logger for a human-readable stderr echo: colored, caller/stacktrace-free.
func newLogger(name string, echoStderr bool) (*logger, error) {
	sys, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, name)
	if err != nil {
		return nil, err
	}

	l := &logger{sys: sys}
	if echoStderr {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = ""
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		cfg.DisableStacktrace = true
		cfg.DisableCaller = true
		console, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		l.console = console.Named(name)
	}
	return l, nil
}

// Relay emits one child output line as a single log record at priority.
// Stdout lines are info priority, stderr lines are notice priority.
func (l *logger) Relay(priority Priority, line string) {
	l.emit(priority, line)
}

// Info logs a supervisor-produced status record.
func (l *logger) Info(msg string) { l.emit(PriInfo, msg) }

// Notice logs a supervisor-produced condition worth an operator's
// attention but not actionable on its own (child exit codes, signals).
func (l *logger) Notice(msg string) { l.emit(PriNotice, msg) }

// Error logs an internal syscall/setup failure.
func (l *logger) Error(msg string) { l.emit(PriError, msg) }

func (l *logger) emit(priority Priority, msg string) {
	switch priority {
	case PriInfo:
		_ = l.sys.Info(msg)
		if l.console != nil {
			l.console.Info(msg)
		}
	case PriNotice:
		_ = l.sys.Notice(msg)
		if l.console != nil {
			l.console.Warn(msg)
		}
	case PriError:
		_ = l.sys.Err(msg)
		if l.console != nil {
			l.console.Error(msg)
		}
	}
}

// Close releases the syslog handle and flushes the console logger.
func (l *logger) Close() {
	if l.console != nil {
		_ = l.console.Sync()
	}
	_ = l.sys.Close()
}
