// Package notify delivers user-facing notices (membership changes,
// forced logout, call errors) without binding the rest of the code to
// a particular surface.
package notify

import "log/slog"

// Notifier shows one notice to the user.
type Notifier interface {
	Notify(title, body string)
}

// Func adapts a function to the Notifier interface.
type Func func(title, body string)

func (f Func) Notify(title, body string) { f(title, body) }

// Log is a Notifier that writes notices to the log. The default
// surface for headless runs.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(title, body string) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notice", "title", title, "body", body)
}
