package dhlog

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStreams swaps os.Stdout and os.Stderr for pipes while fn runs and
// returns whatever was written to each.
func captureStreams(t *testing.T, fn func()) (stdout, stderr string) {
	t.Helper()
	origOut, origErr := os.Stdout, os.Stderr
	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	errR, errW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout, os.Stderr = outW, errW
	fn()
	os.Stdout, os.Stderr = origOut, origErr

	outW.Close()
	errW.Close()
	outBytes, _ := io.ReadAll(outR)
	errBytes, _ := io.ReadAll(errR)
	return string(outBytes), string(errBytes)
}

func TestOutputSplitter_ErrorLinesGoToStderr(t *testing.T) {
	splitter := &OutputSplitter{}
	line := `time="2026-01-15T10:30:00Z" level=error msg="database connection failed"`

	stdout, stderr := captureStreams(t, func() {
		n, err := splitter.Write([]byte(line))
		assert.NoError(t, err)
		assert.Equal(t, len(line), n)
	})

	assert.Contains(t, stderr, "database connection failed")
	assert.Empty(t, stdout)
}

func TestOutputSplitter_OtherLevelsGoToStdout(t *testing.T) {
	splitter := &OutputSplitter{}

	for _, line := range []string{
		`level=info msg="service started"`,
		`level=warning msg="high memory usage"`,
		`level=debug msg="processing request"`,
	} {
		stdout, stderr := captureStreams(t, func() {
			splitter.Write([]byte(line))
		})
		assert.Contains(t, stdout, line)
		assert.Empty(t, stderr)
	}
}

// The routing check keys on the level field, not on the word "error"
// appearing anywhere in the message body.
func TestOutputSplitter_ErrorWordInMessageStaysOnStdout(t *testing.T) {
	splitter := &OutputSplitter{}
	line := `level=info msg="error occurred but not error level"`

	stdout, stderr := captureStreams(t, func() {
		splitter.Write([]byte(line))
	})

	assert.Contains(t, stdout, line)
	assert.Empty(t, stderr)
}

func TestNewLogger_AppliesLevelAndFormat(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: LogLevelWarn, Format: "json"})

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "json format should select the JSON formatter")
	_, ok = logger.Out.(*OutputSplitter)
	assert.True(t, ok, "every logger routes through the splitter")
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger(LoggerConfig{Level: "verbose"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

// WithField/WithError return copies; the parent logger's fields never change
// underneath an earlier caller.
func TestContextLogger_DerivedLoggersDoNotMutateParent(t *testing.T) {
	parent := NewContextLogger(logrus.New(), map[string]interface{}{"service": "dh-test"})

	child := parent.WithField("change_id", int64(42)).WithError(errors.New("boom"))

	assert.NotContains(t, parent.fields, "change_id")
	assert.NotContains(t, parent.fields, "error")
	assert.Equal(t, int64(42), child.fields["change_id"])
	assert.Equal(t, "boom", child.fields["error"])
	assert.Equal(t, "dh-test", child.fields["service"], "base fields carry through")
}

func TestLogOperation_ReturnsTheOperationError(t *testing.T) {
	log := NewContextLogger(logrus.New(), nil)

	sentinel := errors.New("effector rejected change")
	err := LogOperation(log, "dispatch", func() error { return sentinel })
	assert.Equal(t, sentinel, err)

	assert.NoError(t, LogOperation(log, "dispatch", func() error { return nil }))
}

func TestHTTPFields(t *testing.T) {
	fields := HTTPFields("POST", "/v1/change_status", 200, 0)

	assert.Equal(t, "POST", fields["http_method"])
	assert.Equal(t, "/v1/change_status", fields["http_path"])
	assert.Equal(t, 200, fields["http_status_code"])
}
