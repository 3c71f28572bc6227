package funcutils

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// PanicOrLogOnErr calls f, typically a deferred Close, and reports its error.
// With panicOnErr the error is fatal, otherwise it is logged with msg.
func PanicOrLogOnErr(f func() error, panicOnErr bool, msg string) {
	err := f()
	if err == nil {
		return
	}
	if panicOnErr {
		panic(fmt.Sprintf("%s: %s", msg, err))
	}
	log.WithError(err).Error(msg)
}
