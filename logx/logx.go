// Package logx is the shared structured logger used by every supervisory
// loop in this module. It promotes the publishState(level, status string,
// err error) helper that the teacher duplicated in services/hal and
// services/bridge into one small leaf package: leveled, field-based lines
// written to an io.Writer. No third-party logging library appears anywhere
// in the retrieved example pack, so this stays standard-library by design.
package logx

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Logger writes leveled lines with a stable component tag, the way the
// teacher's publishState helper tagged every bus status message with the
// service name.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	component string
	min       Level
}

// Default is process-wide, writes to stderr, and is what package-level
// Debugf/Infof/Warnf/Errorf call into.
var Default = New(os.Stderr, "dogbotctl")

func New(out io.Writer, component string) *Logger {
	return &Logger{out: out, component: component, min: Debug}
}

// With returns a child logger tagging lines with a sub-component, e.g.
// logx.Default.With("homing").
func (l *Logger) With(component string) *Logger {
	return &Logger{out: l.out, component: l.component + "." + component, min: l.min}
}

// SetMinLevel filters out lines below level.
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	l.min = level
	l.mu.Unlock()
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.min {
		return
	}
	fmt.Fprintf(l.out, "%s %-5s %-16s %s", time.Now().UTC().Format(time.RFC3339Nano), level, l.component, msg)
	for k, v := range fields {
		fmt.Fprintf(l.out, " %s=%v", k, v)
	}
	fmt.Fprintln(l.out)
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(Debug, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.log(Info, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.log(Warn, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.log(Error, msg, fields) }

func Debugf(msg string, fields map[string]any) { Default.Debug(msg, fields) }
func Infof(msg string, fields map[string]any)  { Default.Info(msg, fields) }
func Warnf(msg string, fields map[string]any)  { Default.Warn(msg, fields) }
func Errorf(msg string, fields map[string]any) { Default.Error(msg, fields) }
