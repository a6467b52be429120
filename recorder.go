package bmv

import (
	"os"
	"sync"
)

// Recorder appends raw lines observed on the serial link to a file, when
// enabled. It sits passively at the same line-delivery point the
// protocol engine consumes and never blocks or mutates the stream.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
}

// OpenRecorder opens (creating/appending) path for recording.
func OpenRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f}, nil
}

// Record appends line (assumed CR-LF terminated already) to the
// recording file. Errors are swallowed by the caller's choice; recording
// is a diagnostic aid, never load-bearing for protocol correctness.
func (r *Recorder) Record(line string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.file.WriteString(line)
	return err
}

// Close closes the underlying recording file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
