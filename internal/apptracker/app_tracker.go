// Package apptracker abstracts the error-reporting backend so components can
// report unexpected conditions without knowing whether they run against
// Sentry or a dry-run sink.
package apptracker

type AppTracker interface {
	CaptureMessage(message string)
	CaptureException(exception error)
}
