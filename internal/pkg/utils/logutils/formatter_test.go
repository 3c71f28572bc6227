package logutils

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestUTCFormatter(t *testing.T) {
	f := &UTCFormatter{Formatter: &logrus.JSONFormatter{TimestampFormat: time.RFC3339}}
	loc := time.FixedZone("UTC+5", 5*60*60)
	e := &logrus.Entry{Time: time.Date(2024, 1, 1, 5, 0, 0, 0, loc), Message: "hello", Data: logrus.Fields{}}
	out, err := f.Format(e)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out, []byte(`"time":"2024-01-01T00:00:00Z"`)) {
		t.Errorf("expected UTC timestamp, got %s", out)
	}
}

func TestSetLogLevel(t *testing.T) {
	prev := logrus.GetLevel()
	defer logrus.SetLevel(prev)
	for _, lvl := range []string{"DEBUG", "info", "WARN", "error"} {
		if err := SetLogLevel(lvl); err != nil {
			t.Errorf("SetLogLevel(%q): %v", lvl, err)
		}
		if got := logrus.GetLevel().String(); got != strings.ToLower(lvl) && !(lvl == "WARN" && got == "warning") {
			t.Errorf("level = %s after SetLogLevel(%q)", got, lvl)
		}
	}
	if err := SetLogLevel("loud"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestSetLogFormat(t *testing.T) {
	prev := logrus.StandardLogger().Formatter
	defer logrus.SetFormatter(prev)

	SetLogFormat("JSON")
	f, ok := logrus.StandardLogger().Formatter.(*UTCFormatter)
	if !ok {
		t.Fatalf("formatter = %T", logrus.StandardLogger().Formatter)
	}
	if _, ok := f.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("inner formatter = %T, want JSON", f.Formatter)
	}

	SetLogFormat("text")
	f = logrus.StandardLogger().Formatter.(*UTCFormatter)
	if _, ok := f.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("inner formatter = %T, want text", f.Formatter)
	}
}
