package bmv

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestEngine(buf *bytes.Buffer) *Engine {
	e := newEngine(EngineOptions{
		Cache:           newTestCache(),
		Writer:          buf,
		ResponseTimeout: time.Hour, // never fires during synchronous tests
		CompressionOn:   true,
	})
	e.operational = true // bypass the pre-first-line deferral for unit tests
	return e
}

// TestEngineFrameCommit exercises the checksum-validated frame path
// (feedLine) end to end with the hand-computed checksum byte for the
// frame V=24340, I=-500, SOC=876, Relay=ON.
func TestEngineFrameCommit(t *testing.T) {
	e := newTestEngine(&bytes.Buffer{})

	var changes map[string]Change
	e.cache.AddChangeListener(func(ch map[string]Change, ts time.Time) { changes = ch })

	e.feedLine("V\t24340\r\n")
	e.feedLine("I\t-500\r\n")
	e.feedLine("SOC\t876\r\n")
	e.feedLine("Relay\tON\r\n")
	e.feedLine("Checksum\t" + string([]byte{0xC2}) + "\r\n")

	assert.Len(t, changes, 4)
	v, ok := e.cache.Formatted("MainVoltage")
	assert.True(t, ok)
	assert.Equal(t, "24.340V", v)
	relay, ok := e.cache.Formatted("Relay")
	assert.True(t, ok)
	assert.Equal(t, "ON", relay)
}

// TestEngineFrameRejectOnBadChecksum mirrors TestEngineFrameCommit but
// with a deliberately wrong checksum byte: nothing should commit.
func TestEngineFrameRejectOnBadChecksum(t *testing.T) {
	e := newTestEngine(&bytes.Buffer{})

	fired := false
	e.cache.AddChangeListener(func(map[string]Change, time.Time) { fired = true })

	e.feedLine("V\t24340\r\n")
	e.feedLine("I\t-500\r\n")
	e.feedLine("SOC\t876\r\n")
	e.feedLine("Relay\tON\r\n")
	e.feedLine("Checksum\t" + string([]byte{0xC1}) + "\r\n") // off by one from 0xC2

	assert.False(t, fired)
	_, ok := e.cache.Formatted("MainVoltage")
	assert.False(t, ok)
}

// TestEngineResponseCorrelation is scenario S5: a get-0x0FFF request is
// answered, and the response value lands in the cache under the
// addressed descriptor.
func TestEngineResponseCorrelation(t *testing.T) {
	buf := &bytes.Buffer{}
	e := newTestEngine(buf)

	cmd, err := NewGetCommand(0x0FFF, 1, 3)
	assert.NoError(t, err)
	var gotResp *Response
	var gotErr error
	cmd.onResolve(func(r *Response, err error) { gotResp, gotErr = r, err })

	e.handleSubmit(cmd)
	assert.Equal(t, cmd.Frame(), buf.String())

	id, err := cmd.Identifier()
	assert.NoError(t, err)
	_, stillPending := e.pending[id]
	assert.True(t, stillPending)

	body := "7" + "FF0F" + "00" + "2A20" // status OK, value 8234 (82.34%)
	framed, err := (CommandChecksum{}).Append(body)
	assert.NoError(t, err)
	resp, err := ParseResponse(framed)
	assert.NoError(t, err)

	e.routeResponse(resp)

	assert.NotNil(t, gotResp)
	assert.NoError(t, gotErr)
	assert.Equal(t, []byte{0x20, 0x2A}, gotResp.Value)

	_, stillPending = e.pending[id]
	assert.False(t, stillPending)
	assert.Equal(t, 0, e.queue.Len())

	soc, ok := e.cache.Formatted("SOCRegister")
	assert.True(t, ok)
	assert.Equal(t, "82.34%", soc)
}

// TestEngineTimeoutRetryExhaustion is scenario S7: maxRetries=2 means
// three transmissions total (the original send plus two retries) before
// the command is dropped with ErrRetriesExhausted.
func TestEngineTimeoutRetryExhaustion(t *testing.T) {
	buf := &bytes.Buffer{}
	e := newTestEngine(buf)

	cmd, err := NewGetCommand(0x1000, 1, 2)
	assert.NoError(t, err)
	var gotErr error
	var resolved bool
	cmd.onResolve(func(_ *Response, err error) { resolved = true; gotErr = err })

	e.handleSubmit(cmd)
	transmissions := bytes.Count(buf.Bytes(), []byte(cmd.Frame()))
	assert.Equal(t, 1, transmissions)

	id, err := cmd.Identifier()
	assert.NoError(t, err)

	e.handleTimeout(id)
	transmissions = bytes.Count(buf.Bytes(), []byte(cmd.Frame()))
	assert.Equal(t, 2, transmissions)
	assert.False(t, resolved)

	e.handleTimeout(id)
	transmissions = bytes.Count(buf.Bytes(), []byte(cmd.Frame()))
	assert.Equal(t, 3, transmissions)
	assert.False(t, resolved)

	e.handleTimeout(id)
	transmissions = bytes.Count(buf.Bytes(), []byte(cmd.Frame()))
	assert.Equal(t, 3, transmissions, "exhausted retries must not transmit a fourth time")
	assert.True(t, resolved)
	assert.ErrorIs(t, gotErr, ErrRetriesExhausted)

	_, stillPending := e.pending[id]
	assert.False(t, stillPending)
}

// TestEngineDeviceRefusedLeavesCommandInflight exercises the routing
// branch for a status byte that isn't one of the four known codes: the
// command stays pending for the timer to retry rather than being
// resolved immediately.
func TestEngineDeviceRefusedLeavesCommandInflight(t *testing.T) {
	buf := &bytes.Buffer{}
	e := newTestEngine(buf)

	cmd, err := NewGetCommand(0x1000, 1, 3)
	assert.NoError(t, err)
	var resolved bool
	cmd.onResolve(func(*Response, error) { resolved = true })
	e.handleSubmit(cmd)

	body := "7" + "0010" + "03" // 0x03 is not OK/UnknownID/NotSupported/ParameterError
	framed, err := (CommandChecksum{}).Append(body)
	assert.NoError(t, err)
	resp, err := ParseResponse(framed)
	assert.NoError(t, err)

	e.routeResponse(resp)

	assert.False(t, resolved)
	id, err := cmd.Identifier()
	assert.NoError(t, err)
	_, stillPending := e.pending[id]
	assert.True(t, stillPending)
}

// TestEngineDeviceRefusedWithRelayOffTriggersRestart confirms the
// relay-OFF mitigation fires a queue-bypassing restart when the device
// refuses a command while the relay is known OFF.
func TestEngineDeviceRefusedWithRelayOffTriggersRestart(t *testing.T) {
	buf := &bytes.Buffer{}
	e := newTestEngine(buf)
	e.cache.StageNewValue("Relay", "OFF")
	e.cache.CommitAndDispatch(time.Now())

	cmd, err := NewGetCommand(0x1000, 1, 3)
	assert.NoError(t, err)
	e.handleSubmit(cmd)
	buf.Reset() // discard the initial send, isolate the restart write

	body := "7" + "0010" + "03"
	framed, err := (CommandChecksum{}).Append(body)
	assert.NoError(t, err)
	resp, err := ParseResponse(framed)
	assert.NoError(t, err)

	e.routeResponse(resp)

	restart, err := NewRestartCommand()
	assert.NoError(t, err)
	assert.Equal(t, restart.Frame(), buf.String())
}

// TestEngineDeviceReportedErrorRetiresCommand covers the three known
// device-reported error codes: the command is resolved with the
// response rather than retried.
func TestEngineDeviceReportedErrorRetiresCommand(t *testing.T) {
	for _, state := range []byte{StateUnknownID, StateNotSupported, StateParameterError} {
		buf := &bytes.Buffer{}
		e := newTestEngine(buf)

		cmd, err := NewGetCommand(0x1000, 1, 3)
		assert.NoError(t, err)
		var gotResp *Response
		cmd.onResolve(func(r *Response, err error) { gotResp = r })
		e.handleSubmit(cmd)

		body := "7" + "0010" + hexByte(state)
		framed, err := (CommandChecksum{}).Append(body)
		assert.NoError(t, err)
		resp, err := ParseResponse(framed)
		assert.NoError(t, err)

		e.routeResponse(resp)

		assert.NotNil(t, gotResp)
		id, err := cmd.Identifier()
		assert.NoError(t, err)
		_, stillPending := e.pending[id]
		assert.False(t, stillPending)
	}
}

func TestEngineAsyncSetNeverTracked(t *testing.T) {
	buf := &bytes.Buffer{}
	e := newTestEngine(buf)

	cmd, err := NewCommand(CmdAsyncSet, 0x1000, true, []byte{0x00, 0x01}, 0, 0)
	assert.NoError(t, err)
	var resolved bool
	cmd.onResolve(func(*Response, error) { resolved = true })

	e.handleSubmit(cmd)

	assert.True(t, resolved)
	assert.Equal(t, 0, len(e.pending))
	assert.Equal(t, cmd.Frame(), buf.String())
}
