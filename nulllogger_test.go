package boxproxy

// nopLogger is a [Logger] that discards everything, used across this
// package's internal tests. internal.NullLogger serves the same role
// for external consumers, but importing internal here would close an
// import cycle back onto this package.
type nopLogger struct{}

func (nopLogger) Debugf(format string, v ...any) {}
func (nopLogger) Debug(message string)           {}
func (nopLogger) Infof(format string, v ...any)  {}
func (nopLogger) Info(message string)            {}
func (nopLogger) Warnf(format string, v ...any)  {}
func (nopLogger) Warn(message string)            {}
