// Package logging defines the logging callback shape shared by the
// connection actor and the pool. It carries no
// dependency on any particular logging backend.
package logging

import (
	"fmt"
	"log"
)

// Level identifies the severity of a log message.
type Level int

// Log levels, lowest severity first.
const (
	Debug Level = iota
	Info
	Warn
	Error
)

// String implements the Stringer interface.
func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Func is the logging callback accepted by the pool and the connection
// actor. It is called with a level, a Sprintf-style
// format string, and its arguments.
type Func func(level Level, format string, args ...any)

// DefaultFunc logs to stderr with a level prefix.
func DefaultFunc(level Level, format string, args ...any) {
	log.Output(2, fmt.Sprintf("%s: %s", level, fmt.Sprintf(format, args...)))
}

// NopFunc discards all log messages.
func NopFunc(level Level, format string, args ...any) {}
