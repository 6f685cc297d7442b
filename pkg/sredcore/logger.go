// Package sredcore holds small ambient pieces shared by every other
// package in the engine: structured logging, request-id propagation,
// and fail-fast helpers for programmer invariants.
package sredcore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
)

// Logger provides structured logging. The abstraction allows swapping
// the backend without touching call sites.
type Logger interface {
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	// WithFields returns a new logger that always includes the given fields.
	WithFields(fields map[string]interface{}) Logger

	// WithContext extracts request-scoped values (request id) into fields.
	WithContext(ctx context.Context) Logger
}

// LoggerConfig configures the default logger.
type LoggerConfig struct {
	JSONOutput bool
	Level      string // DEBUG, INFO, WARN, ERROR
}

type defaultLogger struct {
	errorLogger *log.Logger
	warnLogger  *log.Logger
	infoLogger  *log.Logger
	debugLogger *log.Logger
	config      LoggerConfig
	fields      map[string]interface{}
}

// NewDefaultLogger returns a logger writing plain text at DEBUG level.
func NewDefaultLogger() Logger {
	return NewLogger(LoggerConfig{Level: "DEBUG"})
}

// NewJSONLogger returns a logger writing one JSON object per line.
func NewJSONLogger() Logger {
	return NewLogger(LoggerConfig{JSONOutput: true, Level: "DEBUG"})
}

// NewLogger builds a logger from explicit configuration.
func NewLogger(cfg LoggerConfig) Logger {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	return &defaultLogger{
		errorLogger: log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
		warnLogger:  log.New(os.Stderr, "[WARN] ", log.LstdFlags),
		infoLogger:  log.New(os.Stdout, "[INFO] ", log.LstdFlags),
		debugLogger: log.New(os.Stdout, "[DEBUG] ", log.LstdFlags),
		config:      cfg,
		fields:      make(map[string]interface{}),
	}
}

type logEntry struct {
	Timestamp string                 `json:"timestamp,omitempty"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

func (l *defaultLogger) enabled(level string) bool {
	return levelRank[level] >= levelRank[l.config.Level]
}

func (l *defaultLogger) log(level string, logger *log.Logger, message string) {
	if !l.enabled(level) {
		return
	}
	if l.config.JSONOutput {
		entry := logEntry{Timestamp: time.Now().UTC().Format(time.RFC3339), Level: level, Message: message}
		if len(l.fields) > 0 {
			entry.Fields = l.fields
		}
		if data, err := json.Marshal(entry); err == nil {
			logger.Output(3, string(data))
			return
		}
	}
	if len(l.fields) > 0 {
		logger.Output(3, fmt.Sprintf("%s %v", message, l.fields))
		return
	}
	logger.Output(3, message)
}

func (l *defaultLogger) Error(args ...interface{})                 { l.log("ERROR", l.errorLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Errorf(f string, args ...interface{})      { l.log("ERROR", l.errorLogger, fmt.Sprintf(f, args...)) }
func (l *defaultLogger) Warn(args ...interface{})                  { l.log("WARN", l.warnLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Warnf(f string, args ...interface{})       { l.log("WARN", l.warnLogger, fmt.Sprintf(f, args...)) }
func (l *defaultLogger) Info(args ...interface{})                  { l.log("INFO", l.infoLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Infof(f string, args ...interface{})       { l.log("INFO", l.infoLogger, fmt.Sprintf(f, args...)) }
func (l *defaultLogger) Debug(args ...interface{})                 { l.log("DEBUG", l.debugLogger, fmt.Sprint(args...)) }
func (l *defaultLogger) Debugf(f string, args ...interface{})      { l.log("DEBUG", l.debugLogger, fmt.Sprintf(f, args...)) }

func (l *defaultLogger) WithFields(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	clone := *l
	clone.fields = merged
	return &clone
}

func (l *defaultLogger) WithContext(ctx context.Context) Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	if id := RequestID(ctx); id != "" {
		fields["request_id"] = id
	}
	clone := *l
	clone.fields = fields
	return &clone
}
