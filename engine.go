package bmv

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vrm-tools/bmv-driver/internal/dlog"
)

// deferInterval is the fixed backoff spec.md §4.7 prescribes for send
// attempts made before the engine has seen its first line.
const deferInterval = 1000 * time.Millisecond

// restartEveryNthRetry is how often an unresponsive command's retry
// triggers a device restart, provided the relay is known OFF.
const restartEveryNthRetry = 5

// pendingRequest is one inflight command awaiting a response,
// spec.md §3.
type pendingRequest struct {
	identifier       string
	cmd              *Command
	timer            *time.Timer
	remainingRetries int
	sentTime         time.Time
}

// Engine is the protocol engine described in spec.md §2 component 6 and
// §4.5–§4.7: it feeds lines to the checksum and parser, routes telemetry
// into the cache, correlates command responses to inflight requests, and
// drives the queue's timeouts and retries. All of its state is confined
// to a single goroutine (spec.md §5); callers interact with it only via
// Submit, the line-feeding goroutine, and timer callbacks, all of which
// hand off to that goroutine over channels.
type Engine struct {
	cache *Cache
	queue *Queue

	checksum     TelemetryChecksum
	frameArrival time.Time
	frameStarted bool
	operational  bool
	deferring    bool

	pending map[string]*pendingRequest

	writer          io.Writer
	lines           *LineReader
	recorder        *Recorder
	responseTimeout time.Duration

	defaultPriority   byte
	defaultMaxRetries int

	timeoutCount int

	submitCh chan *Command
	eventCh  chan engineEvent
	stopCh   chan struct{}
	doneCh   chan struct{}
}

type engineEvent interface{ isEngineEvent() }

type lineEvent struct {
	line string
	err  error
}

func (lineEvent) isEngineEvent() {}

type timeoutEvent struct{ identifier string }

func (timeoutEvent) isEngineEvent() {}

type deferEvent struct{}

func (deferEvent) isEngineEvent() {}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Cache             *Cache
	Writer            io.Writer
	Lines             *LineReader
	Recorder          *Recorder
	ResponseTimeout   time.Duration
	CompressionOn     bool
	DefaultPriority   byte
	DefaultMaxRetries int
}

var (
	singletonOnce   sync.Once
	singletonEngine *Engine
)

// NewEngine returns the process-wide Engine instance, constructing it on
// first call and returning the same instance on every subsequent call
// (spec.md §5 "process-wide singleton"). The returned engine is not yet
// running; call Start to begin processing.
func NewEngine(opts EngineOptions) *Engine {
	singletonOnce.Do(func() {
		singletonEngine = newEngine(opts)
	})
	return singletonEngine
}

// newEngine builds an independent Engine, bypassing the process-wide
// singleton. Exported only within the package, for tests that need
// isolated instances.
func newEngine(opts EngineOptions) *Engine {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = 500 * time.Millisecond
	}
	return &Engine{
		cache:             opts.Cache,
		queue:             NewQueue(opts.CompressionOn),
		pending:           make(map[string]*pendingRequest),
		writer:            opts.Writer,
		lines:             opts.Lines,
		recorder:          opts.Recorder,
		responseTimeout:   opts.ResponseTimeout,
		defaultPriority:   opts.DefaultPriority,
		defaultMaxRetries: opts.DefaultMaxRetries,
		submitCh:          make(chan *Command),
		eventCh:           make(chan engineEvent, 16),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

// Start launches the engine's run loop and the line-reading goroutine
// feeding it.
func (e *Engine) Start() {
	go e.readLoop()
	go e.run()
}

// Stop signals the run loop to exit and waits for it to do so.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// Cache exposes the engine's register cache, e.g. for the facade's
// listener registration and formatted-value reads.
func (e *Engine) Cache() *Cache { return e.cache }

// readLoop blocks on the line reader and forwards each line (or the
// terminal error) to the run loop as an event.
func (e *Engine) readLoop() {
	for {
		line, err := e.lines.ReadLine()
		select {
		case e.eventCh <- lineEvent{line: line, err: err}:
		case <-e.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

// Submit enqueues cmd for transmission. It does not block for a
// response; attach resolvers via cmd.onResolve beforehand to observe the
// outcome.
func (e *Engine) Submit(cmd *Command) {
	select {
	case e.submitCh <- cmd:
	case <-e.stopCh:
	}
}

// Delete removes a queued (not yet inflight, or inflight-but-not-yet-
// acknowledged) command by identifier.
func (e *Engine) Delete(identifier string) chan byte {
	result := make(chan byte, 1)
	select {
	case e.eventCh <- deleteEvent{identifier: identifier, result: result}:
	case <-e.stopCh:
		result <- StateUnknownID
	}
	return result
}

type deleteEvent struct {
	identifier string
	result     chan byte
}

func (deleteEvent) isEngineEvent() {}

type restartEvent struct{}

func (restartEvent) isEngineEvent() {}

type setRecorderEvent struct{ recorder *Recorder }

func (setRecorderEvent) isEngineEvent() {}

// TriggerRestart frames and writes a restart command directly to the
// serial port, bypassing the queue entirely (spec.md §4.7). Used both by
// the facade's public Restart and the engine's own relay-OFF mitigation.
func (e *Engine) TriggerRestart() {
	select {
	case e.eventCh <- restartEvent{}:
	case <-e.stopCh:
	}
}

// SetRecorder swaps the active line recorder, taking effect on the run
// loop to avoid racing with feedLine's use of it.
func (e *Engine) SetRecorder(r *Recorder) {
	select {
	case e.eventCh <- setRecorderEvent{recorder: r}:
	case <-e.stopCh:
	}
}

// run is the engine's single logical execution context (spec.md §5):
// every mutation of queue, pending, and cache state happens here.
func (e *Engine) run() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case cmd := <-e.submitCh:
			e.handleSubmit(cmd)
		case ev := <-e.eventCh:
			switch v := ev.(type) {
			case lineEvent:
				if v.err != nil {
					dlog.Warn.Printf("serial read error: %v", v.err)
					continue
				}
				e.feedLine(v.line)
			case timeoutEvent:
				e.handleTimeout(v.identifier)
			case deferEvent:
				e.deferring = false
				e.driveQueue()
			case deleteEvent:
				v.result <- e.queue.Delete(v.identifier)
			case restartEvent:
				e.sendRestartBypass()
			case setRecorderEvent:
				e.recorder = v.recorder
			}
		}
	}
}

// handleSubmit enqueues a newly submitted command and, if it became (or
// remained) the head with nothing already inflight, drives the queue.
func (e *Engine) handleSubmit(cmd *Command) {
	wasEmpty := e.queue.Len() == 0
	e.queue.Enqueue(cmd)
	if wasEmpty {
		e.driveQueue()
	}
}

// driveQueue transmits the current head if one exists, deferring while
// the engine has not yet seen its first line. It does not check whether
// the head is already inflight.
func (e *Engine) driveQueue() {
	head := e.queue.Head()
	if head == nil {
		return
	}
	if !e.operational {
		e.deferSend()
		return
	}
	e.send(head)
}

// deferSend schedules a single retry of driveQueue after deferInterval,
// per spec.md §4.7's scheduling-backpressure rule. Only one deferral
// timer exists at a time.
func (e *Engine) deferSend() {
	if e.deferring {
		return
	}
	e.deferring = true
	time.AfterFunc(deferInterval, func() {
		select {
		case e.eventCh <- deferEvent{}:
		case <-e.stopCh:
		}
	})
}

// send transmits cmd (the current queue head), creating or advancing its
// PendingRequest. Async-set commands are written but never tracked,
// since the source firmware does not reliably answer them (spec.md §9).
func (e *Engine) send(cmd *Command) {
	if cmd.Command == CmdAsyncSet {
		e.write(cmd.Frame())
		cmd.resolve(nil, nil)
		e.queue.Advance()
		e.driveQueue()
		return
	}

	id, err := cmd.Identifier()
	if err != nil {
		dlog.Err.Printf("cannot compute identifier: %v", err)
		e.queue.Advance()
		e.driveQueue()
		return
	}

	pr, exists := e.pending[id]
	if exists {
		pr.remainingRetries--
		if pr.timer != nil {
			pr.timer.Stop()
		}
	} else {
		pr = &pendingRequest{
			identifier:       id,
			cmd:              cmd,
			remainingRetries: cmd.MaxRetries,
		}
		e.pending[id] = pr
	}
	pr.sentTime = time.Now()
	pr.timer = time.AfterFunc(e.responseTimeout, func() {
		select {
		case e.eventCh <- timeoutEvent{identifier: id}:
		case <-e.stopCh:
		}
	})
	e.write(cmd.Frame())
}

func (e *Engine) write(frame string) {
	if e.writer == nil {
		return
	}
	if _, err := e.writer.Write([]byte(frame)); err != nil {
		dlog.Warn.Printf("serial write error: %v", err)
	}
}

// sendRestartBypass frames and writes a restart command directly,
// bypassing the queue entirely (spec.md §4.7).
func (e *Engine) sendRestartBypass() {
	cmd, err := NewRestartCommand()
	if err != nil {
		dlog.Err.Printf("cannot build restart command: %v", err)
		return
	}
	e.write(cmd.Frame())
}

// relayIsOff reports whether the cached Relay telemetry value is known
// to be OFF. Unknown relay state is treated as "not OFF", since a
// restart's side effect is forcing the relay OFF (spec.md §4.7, §7).
func (e *Engine) relayIsOff() bool {
	v, ok := e.cache.Formatted("Relay")
	return ok && normalizeBool(v) == "OFF"
}

// handleTimeout implements spec.md §4.7's timeout handler.
func (e *Engine) handleTimeout(identifier string) {
	pr, ok := e.pending[identifier]
	if !ok {
		return // stale timer; already resolved
	}
	e.timeoutCount++

	if pr.remainingRetries > 0 {
		triesDone := pr.cmd.MaxRetries - pr.remainingRetries + 1
		if triesDone%restartEveryNthRetry == 0 && e.relayIsOff() {
			e.sendRestartBypass()
		}
		e.send(pr.cmd)
		return
	}

	delete(e.pending, identifier)
	pr.cmd.resolve(nil, ErrRetriesExhausted)
	e.queue.Advance()
	e.driveQueue()
}

// feedLine implements the parsing state machine of spec.md §4.5.
func (e *Engine) feedLine(raw string) {
	if e.recorder != nil {
		_ = e.recorder.Record(raw)
	}
	e.operational = true

	content := strings.TrimRight(raw, "\r\n")
	tab := strings.IndexByte(content, '\t')
	if tab < 0 {
		dlog.Warn.Printf("malformed telemetry line: %q", content)
		return
	}
	key := content[:tab]
	rest := content[tab+1:]

	if key != "Checksum" {
		e.checksum.Write([]byte(raw))
		if !e.frameStarted {
			e.frameArrival = time.Now()
			e.frameStarted = true
		}
		e.cache.StageNewValue(key, rest)
		return
	}

	if len(rest) == 0 {
		dlog.Warn.Printf("empty checksum field")
		e.checksum.Reset()
		e.frameStarted = false
		return
	}
	checksumByte := rest[0]
	trailer := rest[1:]

	e.checksum.Write([]byte(key + "\t"))
	e.checksum.Write([]byte{checksumByte})

	if e.checksum.Valid() {
		e.cache.CommitAndDispatch(e.frameArrival)
	} else {
		dlog.Warn.Printf("telemetry frame checksum mismatch, discarding staged values")
		e.cache.DiscardStaged()
	}
	e.checksum.Reset()
	e.frameStarted = false

	for _, frag := range strings.Split(trailer, ":") {
		if frag == "" {
			continue
		}
		resp, err := ParseResponse(frag)
		if err != nil {
			dlog.Warn.Printf("malformed response fragment %q: %v", frag, err)
			continue
		}
		e.routeResponse(resp)
	}
}

// routeResponse implements the response-routing table of spec.md §4.6.
func (e *Engine) routeResponse(resp *Response) {
	id, err := resp.Identifier()
	if err != nil {
		dlog.Warn.Printf("cannot compute response identifier: %v", err)
		return
	}

	if !resp.Valid() {
		dlog.Warn.Printf("response %s failed checksum", id)
		return
	}

	pr, ok := e.pending[id]
	if !ok {
		// Classify on the leading five characters of the fragment: an
		// unaddressed response's identifier is its command digit alone.
		lead := resp.raw
		if len(lead) > 5 {
			lead = lead[:5]
		}
		switch {
		case isRestartAck(lead):
			dlog.Info.Printf("restart acknowledged")
		case isUnknownCommandResponse(lead):
			dlog.Warn.Printf("device reported unknown command for %s", id)
		case isFramingError(lead):
			dlog.Warn.Printf("framing error detected (id=%s)", id)
		default:
			dlog.Warn.Printf("unwarranted response %s", id)
		}
		return
	}

	switch {
	case resp.IsOK() || !resp.HasState:
		// Full match: the device echoed our address back with status OK,
		// or answered an unaddressed command (which carries no status).
		e.retirePending(id, pr)
		e.applySuccessfulResponse(pr.cmd, resp)
		pr.cmd.resolve(resp, nil)

	case resp.IsUnknownID(), resp.IsNotSupported(), resp.IsParameterError():
		// Device-reported state errors retire the command outright: the
		// device understood and rejected the request, so retrying won't
		// help (spec.md §7).
		e.retirePending(id, pr)
		pr.cmd.resolve(resp, nil)

	default:
		// A status byte we don't recognise: the response's prefix does
		// not match anything we expected. Leave the command inflight for
		// the outstanding timer to retry (spec.md §4.6 "device refused").
		dlog.Warn.Printf("device refused %s (status %#02x)", id, resp.State)
		if e.relayIsOff() {
			e.sendRestartBypass()
		}
	}
}

func (e *Engine) retirePending(id string, pr *pendingRequest) {
	if pr.timer != nil {
		pr.timer.Stop()
	}
	delete(e.pending, id)
	e.queue.Advance()
	e.driveQueue()
}

// applySuccessfulResponse writes a resolved get/set response's value
// into the cache and dispatches it outside of a telemetry frame, and
// updates the fixed ping/version/productId descriptors.
func (e *Engine) applySuccessfulResponse(cmd *Command, resp *Response) {
	switch cmd.Command {
	case CmdGet, CmdSet:
		if !resp.HasAddress {
			return
		}
		if _, ok := e.cache.StageNewValueByAddress(resp.Address, resp.Value); !ok {
			dlog.Warn.Printf("response for unknown address %#04x", resp.Address)
			return
		}
		e.cache.CommitAndDispatch(time.Now())
	case CmdVersion:
		e.cache.StageNewValue("FW", string(resp.Value))
		e.cache.CommitAndDispatch(time.Now())
	case CmdProductID:
		e.cache.StageNewValue("PID", "0x"+bytesToHex(resp.Value))
		e.cache.CommitAndDispatch(time.Now())
	}
}
