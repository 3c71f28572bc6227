package logutils

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// UTCFormatter converts entry timestamps to UTC before delegating to Formatter.
type UTCFormatter struct {
	logrus.Formatter
}

func (u *UTCFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

func textFormatter() logrus.Formatter {
	return &UTCFormatter{Formatter: &logrus.TextFormatter{FullTimestamp: true}}
}

// SetupTestLogging enables verbose text logs for tests.
func SetupTestLogging() {
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(textFormatter())
}

// SetLogFormat selects JSON or text output, text is used for anything but "json".
func SetLogFormat(logFormat string) {
	if strings.EqualFold(logFormat, "json") {
		logrus.SetFormatter(&UTCFormatter{Formatter: &logrus.JSONFormatter{}})
		return
	}
	logrus.SetFormatter(textFormatter())
}

// SetLogLevel parses a level name in any case. The level is unchanged on error.
func SetLogLevel(logLevel string) error {
	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}
