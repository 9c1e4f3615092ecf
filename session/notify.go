package session

import "log/slog"

// Level is the severity of a user-facing notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier shows short notices to the user.
type Notifier interface {
	Notify(level Level, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level Level, message string)

func (f NotifierFunc) Notify(level Level, message string) { f(level, message) }

// LogNotifier writes notices to logger.
func LogNotifier(logger *slog.Logger) Notifier {
	return NotifierFunc(func(level Level, message string) {
		switch level {
		case LevelError:
			logger.Error(message, "notice", true)
		case LevelWarning:
			logger.Warn(message, "notice", true)
		default:
			logger.Info(message, "notice", true)
		}
	})
}
