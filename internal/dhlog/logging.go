// Package dhlog provides centralized logging infrastructure for deepharbor's
// services. It implements output routing that automatically directs error
// messages to stderr while sending every other level to stdout, which keeps
// container orchestrators and log shippers free to treat the two streams
// differently without parsing message bodies.
//
// The package is built on logrus. It exposes a global Logger pre-wired with
// the routing writer below, plus the context-aware helpers in logger.go that
// every binary in this repository uses for its structured logging.
package dhlog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter is an io.Writer that inspects logrus's formatted output and
// sends error-level entries to stderr, everything else to stdout.
//
// Routing is done by a literal substring check for the error level as the
// text formatter ("level=error") and the JSON formatter ("level":"error")
// write it, rather than by wrapping logrus's hook system.
type OutputSplitter struct{}

// Write implements io.Writer. It never alters p; it only picks a stream.
func (s *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide default logrus instance. cmd/ binaries build
// their own logger with NewLogger instead; Logger is what NewContextLogger
// falls back to when given nil, and what tests and ServiceLogger log through.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
