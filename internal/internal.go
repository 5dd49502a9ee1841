// Package internal contains internal implementation details.
package internal

import boxproxy "github.com/muriel2horak/oig-proxy"

// NullLogger is a [boxproxy.Logger] that does not emit logs.
type NullLogger struct{}

// Debug implements boxproxy.Logger
func (nl *NullLogger) Debug(message string) {
	// nothing
}

// Debugf implements boxproxy.Logger
func (nl *NullLogger) Debugf(format string, v ...any) {
	// nothing
}

// Info implements boxproxy.Logger
func (nl *NullLogger) Info(message string) {
	// nothing
}

// Infof implements boxproxy.Logger
func (nl *NullLogger) Infof(format string, v ...any) {
	// nothing
}

// Warn implements boxproxy.Logger
func (nl *NullLogger) Warn(message string) {
	// nothing
}

// Warnf implements boxproxy.Logger
func (nl *NullLogger) Warnf(format string, v ...any) {
	// nothing
}

var _ boxproxy.Logger = &NullLogger{}
