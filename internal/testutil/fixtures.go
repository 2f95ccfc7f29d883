package testutil

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a debug-level logger that discards output unless
// CDS_TEST_LOG is set.
func NewLogger(t *testing.T) logrus.FieldLogger {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	if os.Getenv("CDS_TEST_LOG") == "" {
		log.SetOutput(io.Discard)
	}

	return log.WithField("test", t.Name())
}
