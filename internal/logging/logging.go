// Package logging provides the daemon's structured logger.
//
// Calls take a message and an even-length list of key/value pairs, the
// same shape the daemon's handlers and background workers pass around
// (see Server.handleRequest call sites in internal/rpc), so callers never
// need to build a format string. Output is line-oriented text rotated by
// lumberjack when writing to a file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level controls which calls are emitted.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the key-value logging interface used throughout the daemon.
// Handlers, the connection loop, and the replication driver all take a
// Logger rather than depending on the concrete type directly.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
}

type logger struct {
	mu    sync.Mutex
	out   *log.Logger
	level Level
}

// New creates a Logger writing to w at the given minimum level.
func New(w io.Writer, level Level) Logger {
	return &logger{out: log.New(w, "", log.LstdFlags), level: level}
}

// NewFile creates a Logger backed by a rotating log file at path, in
// addition to stderr. maxSizeMB/maxBackups/maxAgeDays of 0 fall back to
// lumberjack's defaults.
func NewFile(path string, maxSizeMB, maxBackups, maxAgeDays int, level Level) Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return New(io.MultiWriter(lj, os.Stderr), level)
}

func (l *logger) log(level Level, msg string, kv []interface{}) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(level.String())
	b.WriteByte(' ')
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v=<missing>", kv[len(kv)-1])
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Print(b.String())
}

func (l *logger) Debug(msg string, kv ...interface{}) { l.log(LevelDebug, msg, kv) }
func (l *logger) Info(msg string, kv ...interface{})  { l.log(LevelInfo, msg, kv) }
func (l *logger) Warn(msg string, kv ...interface{})  { l.log(LevelWarn, msg, kv) }
func (l *logger) Error(msg string, kv ...interface{}) { l.log(LevelError, msg, kv) }

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() Logger { return New(io.Discard, LevelError+1) }
