package bmv

import (
	"bufio"
	"io"

	"github.com/tarm/serial"
)

// OpenPort opens the device at path for 19200 baud, 8 data bits, no
// parity, 1 stop bit (spec.md §6), backed by github.com/tarm/serial.
func OpenPort(path string) (io.ReadWriteCloser, error) {
	cfg := &serial.Config{
		Name:        path,
		Baud:        19200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 0,
	}
	return serial.OpenPort(cfg)
}

// LineReader splits a byte stream at each LF (telemetry lines end in
// CR-LF), emitting each raw line (including the terminator) upstream. Joining an already-running device
// mid-stream means the very first chunk read may be a partial frame
// fragment; it is discarded so every line handed to the protocol engine
// starts at a real line boundary.
type LineReader struct {
	r         *bufio.Reader
	sawFirst  bool
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine blocks until a full LF-terminated line is available and
// returns it including the terminator, so checksum accumulation can
// include the CR/LF bytes per spec.md §4.1. io.EOF (or any read error)
// propagates to the caller.
func (lr *LineReader) ReadLine() (string, error) {
	for {
		line, err := lr.r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if !lr.sawFirst {
			lr.sawFirst = true
			continue
		}
		return line, nil
	}
}
