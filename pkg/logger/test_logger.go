package logger

import (
	"sync"

	"github.com/rs/zerolog"
)

// TestLogger is a logger implementation for testing that captures all log messages
type TestLogger struct {
	*scopedTestLogger
}

// LogMessage represents a captured log message
type LogMessage struct {
	Level   string
	Message string
	Fields  map[string]interface{}
	Error   string
}

type testSink struct {
	mu       sync.Mutex
	messages []LogMessage
}

// scopedTestLogger carries the fields accumulated through With* calls
type scopedTestLogger struct {
	sink   *testSink
	fields map[string]interface{}
	err    string
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{&scopedTestLogger{sink: &testSink{}}}
}

func (l *scopedTestLogger) log(level, msg string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.messages = append(l.sink.messages, LogMessage{
		Level:   level,
		Message: msg,
		Fields:  merged,
		Error:   l.err,
	})
}

func (l *scopedTestLogger) with(fields map[string]interface{}, err string) *scopedTestLogger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	if err == "" {
		err = l.err
	}
	return &scopedTestLogger{sink: l.sink, fields: merged, err: err}
}

func (l *scopedTestLogger) Debug(msg string) { l.log("DEBUG", msg, nil) }
func (l *scopedTestLogger) Info(msg string)  { l.log("INFO", msg, nil) }
func (l *scopedTestLogger) Warn(msg string)  { l.log("WARN", msg, nil) }
func (l *scopedTestLogger) Error(msg string) { l.log("ERROR", msg, nil) }

func (l *scopedTestLogger) DebugWithFields(msg string, fields map[string]interface{}) {
	l.log("DEBUG", msg, fields)
}

func (l *scopedTestLogger) InfoWithFields(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

func (l *scopedTestLogger) WarnWithFields(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

func (l *scopedTestLogger) ErrorWithFields(msg string, fields map[string]interface{}) {
	l.log("ERROR", msg, fields)
}

func (l *scopedTestLogger) WithField(key string, value interface{}) Logger {
	return l.with(map[string]interface{}{key: value}, "")
}

func (l *scopedTestLogger) WithFields(fields map[string]interface{}) Logger {
	return l.with(fields, "")
}

func (l *scopedTestLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.with(nil, err.Error())
}

func (l *scopedTestLogger) WithComponent(component string) Logger {
	return l.with(map[string]interface{}{"component": component}, "")
}

func (l *scopedTestLogger) GetZerolog() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}

// GetMessages returns a copy of all captured log messages
func (l *TestLogger) GetMessages() []LogMessage {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	messages := make([]LogMessage, len(l.sink.messages))
	copy(messages, l.sink.messages)
	return messages
}

// GetMessagesByLevel returns all messages of a specific level
func (l *TestLogger) GetMessagesByLevel(level string) []LogMessage {
	var filtered []LogMessage
	for _, msg := range l.GetMessages() {
		if msg.Level == level {
			filtered = append(filtered, msg)
		}
	}
	return filtered
}

// HasMessage checks if a message with the given text was logged
func (l *TestLogger) HasMessage(text string) bool {
	for _, msg := range l.GetMessages() {
		if msg.Message == text {
			return true
		}
	}
	return false
}

// HasError checks if an error was logged
func (l *TestLogger) HasError() bool {
	return len(l.GetMessagesByLevel("ERROR")) > 0
}

// Clear clears all captured messages
func (l *TestLogger) Clear() {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.messages = l.sink.messages[:0]
}
