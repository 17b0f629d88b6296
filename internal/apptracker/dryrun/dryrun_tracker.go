package dryrun

import "github.com/sirupsen/logrus"

// DryRunTracker logs captured events instead of shipping them anywhere. Used
// when no error-tracker DSN is configured.
type DryRunTracker struct{}

func (d *DryRunTracker) CaptureMessage(message string) {
	logrus.Info(message)
}

func (d *DryRunTracker) CaptureException(exception error) {
	logrus.Error(exception)
}
