// Package events is the error/metrics sink boundary. Delivery is
// fire-and-forget: a sink must never panic back into the core.
package events

import "log"

// Severity ranks a reported event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Sink receives named events ("no cached image", "sync drift major", ...).
type Sink interface {
	Report(name string, severity Severity, fields map[string]string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Report(string, Severity, map[string]string) {}

// Logger writes events as single log lines.
type Logger struct{}

func (Logger) Report(name string, severity Severity, fields map[string]string) {
	defer func() { recover() }() // a sink must not throw back into the core
	line := "events: " + name + " severity=" + string(severity)
	for k, v := range fields {
		line += " " + k + "=" + v
	}
	log.Print(line)
}

// Multi fans one event out to several sinks. A panicking sink does not stop
// the others.
type Multi []Sink

func (m Multi) Report(name string, severity Severity, fields map[string]string) {
	for _, s := range m {
		func() {
			defer func() { recover() }()
			s.Report(name, severity, fields)
		}()
	}
}
