// Package dlog provides the leveled logging used throughout the driver.
//
// Time/date are deliberately omitted: the supervising process (systemd,
// a wrapping daemon, a test harness) is expected to add them. Output goes
// to stderr by default but can be redirected per level, mirroring the
// writer-per-level setup used elsewhere in the corpus this driver grew
// out of.
package dlog

import (
	"io"
	"log"
	"os"
)

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix = "[DEBUG] "
	InfoPrefix  = "[INFO]  "
	WarnPrefix  = "[WARN]  "
	ErrPrefix   = "[ERROR] "
)

var (
	Debug = log.New(DebugWriter, DebugPrefix, 0)
	Info  = log.New(InfoWriter, InfoPrefix, 0)
	Warn  = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	Err   = log.New(ErrWriter, ErrPrefix, log.Lshortfile)
)

// SetLevel silences loggers below lvl by routing their writer to io.Discard.
// Valid values: "debug", "info", "warn", "err".
func SetLevel(lvl string) {
	switch lvl {
	case "err":
		Warn.SetOutput(io.Discard)
		fallthrough
	case "warn":
		Info.SetOutput(io.Discard)
		fallthrough
	case "info":
		Debug.SetOutput(io.Discard)
	case "debug":
		// nothing to discard
	}
}
