package utils

import (
	"io"

	"github.com/sirupsen/logrus"
)

// DeferredClose closes the given closer and logs a warning if it fails.
// Meant to be used in defer statements where the error cannot be returned.
func DeferredClose(closer io.Closer, errMsg string) {
	if err := closer.Close(); err != nil {
		logrus.Warnf("%s: %v", errMsg, err)
	}
}
