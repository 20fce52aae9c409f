package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withCapturedOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOutput := log.Writer()
	prevLevel := logLevel
	log.SetOutput(&buf)
	t.Cleanup(func() {
		log.SetOutput(prevOutput)
		logLevel = prevLevel
	})
	return &buf
}

func TestSetLogLevelRecognizesEveryNamedLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"DEBUG": LevelDebug,
		"info":  LevelInfo,
		"Warn":  LevelWarn,
		"ERROR": LevelError,
		"FATAL": LevelFatal,
	}
	for name, want := range cases {
		SetLogLevel(name)
		assert.Equal(t, want, logLevel, "level %q", name)
	}
}

func TestSetLogLevelFallsBackToInfoOnUnknownValue(t *testing.T) {
	SetLogLevel("DEBUG")
	SetLogLevel("bogus")
	assert.Equal(t, LevelInfo, logLevel)
}

func TestDebugfIsSuppressedBelowConfiguredLevel(t *testing.T) {
	buf := withCapturedOutput(t)
	SetLogLevel("INFO")

	Debugf("hidden %s", "detail")
	Infof("visible %s", "message")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "[INFO] visible message")
}

func TestDebugfIsEmittedWhenLevelLoweredToDebug(t *testing.T) {
	buf := withCapturedOutput(t)
	SetLogLevel("DEBUG")

	Debugf("now visible")

	assert.True(t, strings.Contains(buf.String(), "[DEBUG] now visible"))
}

func TestErrorfIsEmittedRegardlessOfInfoLevel(t *testing.T) {
	buf := withCapturedOutput(t)
	SetLogLevel("INFO")

	Warnf("careful")
	Errorf("broken")

	assert.Contains(t, buf.String(), "[WARN] careful")
	assert.Contains(t, buf.String(), "[ERROR] broken")
}

func TestErrorfIsSuppressedWhenLevelRaisedAboveError(t *testing.T) {
	buf := withCapturedOutput(t)
	SetLogLevel("FATAL")

	Errorf("should not appear")

	assert.Empty(t, buf.String())
}
