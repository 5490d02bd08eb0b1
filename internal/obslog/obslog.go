// Package obslog provides a single shared logrus logger, surfaced to
// callers as component-scoped entries the way the rest of the codebase
// expects to obtain a logger.
package obslog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = newRootLogger()

func newRootLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// NamedLogger returns an entry tagged with pkg/component, mirroring how
// each subsystem obtains its own logger.
func NamedLogger(pkg, component string) *logrus.Entry {
	return root.WithFields(logrus.Fields{
		"pkg":       pkg,
		"component": component,
	})
}

// SetVerbose raises the shared logger to debug level.
func SetVerbose(verbose bool) {
	if verbose {
		root.SetLevel(logrus.DebugLevel)
	} else {
		root.SetLevel(logrus.InfoLevel)
	}
}
