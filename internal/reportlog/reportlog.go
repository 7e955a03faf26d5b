// Package reportlog adapts a nativeapi.Context.Report-shaped callback
// onto the standard library's log.Logger, the only logging mechanism
// the teacher repo uses anywhere (cmd/play_mml, cmd/play_mml_ui).
package reportlog

import (
	"log"
	"os"

	"github.com/cbegin/chordrt-go/internal/nativeapi"
)

// New returns a report function that writes every message to logger,
// prefixed by severity.
func New(logger *log.Logger) func(nativeapi.ReportSeverity, string) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return func(sev nativeapi.ReportSeverity, msg string) {
		logger.Printf("[%s] %s", severityLabel(sev), msg)
	}
}

func severityLabel(sev nativeapi.ReportSeverity) string {
	switch sev {
	case nativeapi.ReportInfo:
		return "info"
	case nativeapi.ReportWarning:
		return "warn"
	case nativeapi.ReportError:
		return "error"
	default:
		return "report"
	}
}
