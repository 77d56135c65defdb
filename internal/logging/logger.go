// Package logging provides structured logging with console and file output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one recorded log line, kept for the session debug view.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Config holds logger configuration
type Config struct {
	Dir        string // Directory for log files; empty disables file output
	Level      string // debug, info, warn, error
	MaxHistory int    // Entries kept in memory
	Console    bool   // Also log to stderr
}

// DefaultConfig returns console-only debug logging.
func DefaultConfig() *Config {
	return &Config{
		Level:      "debug",
		MaxHistory: 500,
		Console:    true,
	}
}

// Logger wraps zerolog and keeps a bounded history of recent entries.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	logPath string

	mu      sync.RWMutex
	history []LogEntry
	maxHist int
}

// New creates a Logger writing to the console and, when cfg.Dir is set, to a
// dated file inside it.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}

	var writers []io.Writer
	l := &Logger{
		history: make([]LogEntry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.logPath = filepath.Join(cfg.Dir, fmt.Sprintf("virtualme_%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		writers = append(writers, file)
	}

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.DebugLevel
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	l.zlog = zerolog.New(out).Level(level).With().
		Timestamp().
		Str("app", "virtualme").
		Logger().
		Hook(historyHook{l})

	return l, nil
}

// historyHook mirrors every emitted event into the in-memory history.
type historyHook struct {
	l *Logger
}

func (h historyHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level == zerolog.NoLevel {
		return
	}
	h.l.addToHistory(LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     level.String(),
		Message:   msg,
	})
}

func (l *Logger) addToHistory(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

// GetHistory returns up to limit of the most recent entries, oldest first.
func (l *Logger) GetHistory(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}

	result := make([]LogEntry, limit)
	copy(result, l.history[len(l.history)-limit:])
	return result
}

// GetLogPath returns the current log file path, or "" without file output.
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close closes the log file
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Info logs an info message for a component with optional key/values.
func (l *Logger) Info(component, msg string, data map[string]any) {
	l.event(l.zlog.Info(), component, data).Msg(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(component, msg string, data map[string]any) {
	l.event(l.zlog.Warn(), component, data).Msg(msg)
}

// Error logs an error message
func (l *Logger) Error(component, msg string, err error, data map[string]any) {
	l.event(l.zlog.Error().Err(err), component, data).Msg(msg)
}

func (l *Logger) event(e *zerolog.Event, component string, data map[string]any) *zerolog.Event {
	e = e.Str("component", component)
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e = e.Interface(k, data[k])
	}
	return e
}

// Component returns a zerolog.Logger with the component field set.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
