package bmv

import (
	"io"
	"testing"

	"github.com/GoAethereal/cancel"
	"github.com/stretchr/testify/assert"
)

// pipePort is a minimal io.ReadWriteCloser for facade tests: reads always
// report EOF (no simulated device traffic), writes are captured.
type pipePort struct {
	written chan []byte
}

func newPipePort() *pipePort {
	return &pipePort{written: make(chan []byte, 64)}
}

func (p *pipePort) Read(b []byte) (int, error) { return 0, io.EOF }

func (p *pipePort) Write(b []byte) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case p.written <- cp:
	default:
	}
	return len(b), nil
}

func (p *pipePort) Close() error { return nil }

// TestDriverLifecycleAndOperations drives a single Driver through its
// full lifecycle in one test function: NewEngine's process-wide
// singleton (spec.md §5) means only the first Driver constructed in
// this test binary actually owns a live engine, so every facade
// behaviour that depends on Start/Stop sequencing is exercised here
// rather than split across independent NewDriver calls.
func TestDriverLifecycleAndOperations(t *testing.T) {
	port := newPipePort()
	d := NewDriver(port, defaultConfig(), nil)

	err := d.Cancel("anything")
	assert.ErrorIs(t, err, ErrNotRunning)

	err = d.Ping()
	assert.ErrorIs(t, err, ErrNotRunning)

	root := cancel.New()
	assert.NoError(t, d.Start(root))
	assert.ErrorIs(t, d.Start(root), ErrAlreadyRunning)

	err = d.Cancel("nonexistent")
	assert.ErrorIs(t, err, ErrUnknownIdentifier)

	d.Stop()
	d.Stop() // no-op, must not panic or block

	err = d.Cancel("anything")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestEncodeNative(t *testing.T) {
	raw := encodeNative(82.34, 0.01, 2)
	assert.Equal(t, []byte{0x20, 0x2A}, raw)

	raw = encodeNative(50, 1, 1)
	assert.Equal(t, []byte{0x32}, raw)
}

func TestRetriesFor(t *testing.T) {
	assert.Equal(t, 3, retriesFor(3, false))
	assert.Equal(t, unboundedRetries, retriesFor(3, true))
}
