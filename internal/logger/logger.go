package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields carries structured context for a log entry.
type Fields map[string]interface{}

type Logger struct {
	level LogLevel
}

type logEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

var defaultLogger = &Logger{level: INFO}

func New(level LogLevel) *Logger {
	return &Logger{level: level}
}

func SetLevel(level LogLevel) {
	defaultLogger.level = level
}

func (l *Logger) log(level LogLevel, message string, fields Fields) {
	if level < l.level {
		return
	}

	entry := logEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Message:   message,
		Fields:    redactFields(fields),
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...Fields) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ERROR, message, mergeFields(fields...))
}

// Package-level convenience functions
func Debug(message string, fields ...Fields) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...Fields) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...Fields) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...Fields) {
	defaultLogger.Error(message, fields...)
}

func mergeFields(fieldMaps ...Fields) Fields {
	result := make(Fields)
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

// Keys that must never reach logs in the clear.
var sensitiveKeys = []string{
	"secret", "token", "password", "api_key", "signature",
	"webhook_secret", "authorization", "auth", "dsn",
}

func redactFields(fields Fields) Fields {
	if fields == nil {
		return nil
	}

	redacted := make(Fields, len(fields))
	for k, v := range fields {
		if !isSensitive(k) {
			redacted[k] = v
			continue
		}

		if str, ok := v.(string); ok && len(str) > 8 {
			redacted[k] = str[:3] + "..." + str[len(str)-3:]
		} else {
			redacted[k] = "[REDACTED]"
		}
	}

	return redacted
}

func isSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

func init() {
	// Reduce log noise during tests
	if os.Getenv("GO_ENV") == "test" || strings.Contains(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}

	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		SetLevel(DEBUG)
	case "WARN":
		SetLevel(WARN)
	case "ERROR":
		SetLevel(ERROR)
	default:
		SetLevel(INFO)
	}
}
