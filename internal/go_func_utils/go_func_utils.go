package go_func_utils

import (
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
)

// SafeGo runs fn on a new goroutine. A panic is logged with its stack before
// being re-raised, because the terminal UI swallows anything written to stdout.
func SafeGo(logger logrus.FieldLogger, fn func()) {
	go func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			logger.WithField("panic", r.Value).Errorf("PANIC: %s", r.String())
			panic(r.AsError())
		}
	}()
}

// Contain runs fn on the calling goroutine and converts a panic into an error,
// logging it under name. It returns nil when fn completes normally.
func Contain(logger logrus.FieldLogger, name string, fn func()) error {
	r := panics.Try(fn)
	if r == nil {
		return nil
	}
	logger.WithField("job", name).Errorf("recovered panic: %s", r.String())
	return r.AsError()
}
