package core

// Logger is the app-wide logging service.
// Implementations may forward entries to an error tracker; extra args are
// attached to the entry as structured context.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
