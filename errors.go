package bmv

import "errors"

var (
	// ErrChecksumMismatch signals that a telemetry frame or a command
	// response failed its checksum validation.
	ErrChecksumMismatch = errors.New("bmv: checksum mismatch")
	// ErrUnknownIdentifier is returned by Driver.Cancel when no queued
	// command matches the given identifier.
	ErrUnknownIdentifier = errors.New("bmv: unknown identifier")
	// ErrNotRunning is returned by facade operations attempted before
	// Start or after Stop.
	ErrNotRunning = errors.New("bmv: engine not running")
	// ErrAlreadyRunning signals a second Start on an already running
	// Driver.
	ErrAlreadyRunning = errors.New("bmv: engine already started")
	// ErrUnknownRegister is returned when listener registration or a
	// named setter targets a name absent from the register table.
	ErrUnknownRegister = errors.New("bmv: unknown register")
	// ErrInvalidWidth is returned by the endian swap helper for widths
	// other than 1, 2 or 4 bytes.
	ErrInvalidWidth = errors.New("bmv: invalid swap width")
	// ErrMalformedMessage signals a wire-format violation while parsing
	// a command or response.
	ErrMalformedMessage = errors.New("bmv: malformed message")
	// ErrRetriesExhausted is delivered to a command's resolve callback
	// when the device never produced a matching response.
	ErrRetriesExhausted = errors.New("bmv: retries exhausted")
)
