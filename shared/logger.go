package shared

// ILogger is the logging facade used throughout the service.
// The concrete implementation is a charmbracelet logger built in main.
type ILogger interface {
	Print(msg interface{}, keyvals ...interface{})
	Printf(format string, args ...interface{})
	Debug(msg interface{}, keyvals ...interface{})
	Debugf(format string, args ...interface{})
	Info(msg interface{}, keyvals ...interface{})
	Infof(format string, args ...interface{})
	Warn(msg interface{}, keyvals ...interface{})
	Warnf(format string, args ...interface{})
	Error(msg interface{}, keyvals ...interface{})
	Errorf(format string, args ...interface{})
}
