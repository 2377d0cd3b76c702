// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package rmlog provides conditional, per-component-prefixed logging,
// generalized from the teacher's clog package
// (coatyio-dda-examples/compute/clog) from one global logger to one
// instance per subsystem (scheduler, registry, store, event loop), each
// carrying its own prefix.
package rmlog

import (
	"fmt"
	"log"
)

var enabled = false

// Enable turns on conditional log output process-wide, mirroring clog's
// package-level Enable/-l flag toggle.
func Enable() {
	enabled = true
}

// Enabled reports whether conditional log output is currently on.
func Enabled() bool {
	return enabled
}

// Logger logs output in the manner of the standard logger but can be
// conditionally silenced; Errorf always logs.
type Logger struct {
	logger *log.Logger
}

// New creates a Logger with the given prefix, formatted like fmt.Sprintf.
func New(prefixFormat string, prefixArgs ...any) *Logger {
	return &Logger{
		log.New(
			log.Default().Writer(),
			fmt.Sprintf(prefixFormat, prefixArgs...),
			log.Ldate|log.Ltime|log.Lmicroseconds|log.Lmsgprefix,
		),
	}
}

// Printf logs conditionally (enabled via Enable/-l), in the manner of
// log.Printf.
func (l *Logger) Printf(format string, a ...any) {
	if !enabled {
		return
	}
	l.logger.Printf(format, a...)
}

// Errorf logs unconditionally, in the manner of log.Printf.
func (l *Logger) Errorf(format string, a ...any) {
	l.logger.Printf(format, a...)
}
