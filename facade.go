package bmv

import (
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/GoAethereal/cancel"

	"github.com/vrm-tools/bmv-driver/registers"
)

// Register-protocol addresses for the battery configuration registers the
// named getters/setters below wrap, mirroring registers.Default().
const (
	addrSOC                    = 0x0FFF
	addrBatteryCapacity        = 0x1000
	addrChargedVoltage         = 0x1001
	addrTailCurrent            = 0x1002
	addrChargedDetectionTime   = 0x1003
	addrChargeEfficiency       = 0x1004
	addrPeukertExponent        = 0x1005
	addrChargeFloorVoltage     = 0x1006
	addrDischargeFloorVoltage  = 0x1007
	addrTemperatureCoefficient = 0x1008
	addrRelayMode              = 0x1009
)

// unboundedRetries stands in for "retry forever" when a facade call's
// force flag is set (spec.md §6: "force raises retries to effectively
// unbounded").
const unboundedRetries = 1 << 30

// Driver is the public facade (spec.md §2 component 7, §6): the single
// entry point application code uses to talk to a battery monitor. It
// owns one Engine and the Config it was built from.
type Driver struct {
	engine  *Engine
	cfg     Config
	running int32 // atomic; 0 = not started, 1 = running
}

// NewDriver builds a Driver around an already-open serial port. Opening
// the port (including any retry-with-backoff policy) is the caller's
// responsibility — spec.md §4.8 keeps that out of the engine so the
// engine never blocks on hardware presence.
func NewDriver(port io.ReadWriteCloser, cfg Config, recorder *Recorder) *Driver {
	cache := New(registers.WithFormatters(registers.Default()))
	engine := NewEngine(EngineOptions{
		Cache:             cache,
		Writer:            port,
		Lines:             NewLineReader(port),
		Recorder:          recorder,
		ResponseTimeout:   time.Duration(cfg.ResponseTimeoutMS) * time.Millisecond,
		CompressionOn:     cfg.CompressionEnabled,
		DefaultPriority:   cfg.DefaultPriority,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	})
	return &Driver{engine: engine, cfg: cfg}
}

// Start launches the engine. ctx follows the teacher's cancel.Context
// convention: cancelling it stops the driver the same way an explicit
// Stop call would. Calling Start twice on the same Driver is rejected;
// spec.md §5 treats the engine itself as a frozen-after-construction
// singleton, and the facade mirrors that for its own lifecycle calls.
func (d *Driver) Start(ctx cancel.Context) error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return ErrAlreadyRunning
	}
	d.engine.Start()
	go func() {
		<-ctx.Done()
		d.Stop()
	}()
	return nil
}

// Stop halts the engine and waits for its goroutines to exit. Stop on a
// Driver that was never started, or already stopped, is a no-op.
func (d *Driver) Stop() {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return
	}
	d.engine.Stop()
}

// Cancel removes a queued-but-not-yet-resolved command by identifier
// (spec.md §4.4 delete).
func (d *Driver) Cancel(identifier string) error {
	if atomic.LoadInt32(&d.running) == 0 {
		return ErrNotRunning
	}
	state := <-d.engine.Delete(identifier)
	if state == StateUnknownID {
		return ErrUnknownIdentifier
	}
	return nil
}

// SetRecording toggles raw-line recording at runtime (spec.md §6
// persistent-state surface, expanded in SPEC_FULL.md §6).
func (d *Driver) SetRecording(enabled bool, path string) error {
	if !enabled {
		d.engine.SetRecorder(nil)
		return nil
	}
	rec, err := OpenRecorder(path)
	if err != nil {
		return err
	}
	d.engine.SetRecorder(rec)
	return nil
}

type waitResult struct {
	resp *Response
	err  error
}

// submitAndWait enqueues cmd and blocks for its resolution, bounded by
// (maxRetries+1) response timeouts plus one timeout of slack. A command
// folded away by queue compression or deduplication still resolves,
// since the Queue transfers its resolvers onto the surviving command.
func (d *Driver) submitAndWait(cmd *Command) (*Response, error) {
	if atomic.LoadInt32(&d.running) == 0 {
		return nil, ErrNotRunning
	}
	ch := make(chan waitResult, 1)
	cmd.onResolve(func(r *Response, err error) { ch <- waitResult{r, err} })
	d.engine.Submit(cmd)

	bound := time.Duration(cmd.MaxRetries+2) * d.engine.responseTimeout
	if cmd.MaxRetries >= unboundedRetries/2 {
		bound = 0 // force: wait indefinitely rather than pretend a real timeout
	}
	if bound == 0 {
		res := <-ch
		return res.resp, res.err
	}
	select {
	case res := <-ch:
		return res.resp, res.err
	case <-time.After(bound):
		return nil, ErrRetriesExhausted
	}
}

func retriesFor(maxRetries int, force bool) int {
	if force {
		return unboundedRetries
	}
	return maxRetries
}

// Restart triggers a device restart, bypassing the command queue
// entirely (spec.md §4.7). The relay's observed state will read OFF
// afterwards since a restart's side effect is forcing it OFF.
func (d *Driver) Restart() {
	d.engine.TriggerRestart()
}

// Ping sends a bare ping command and reports whether it was answered.
func (d *Driver) Ping() error {
	cmd, err := NewPingCommand(d.cfg.DefaultPriority, d.cfg.DefaultMaxRetries)
	if err != nil {
		return err
	}
	_, err = d.submitAndWait(cmd)
	return err
}

// AppVersion requests the device's firmware version string.
func (d *Driver) AppVersion() (string, error) {
	cmd, err := NewVersionCommand(d.cfg.DefaultPriority, d.cfg.DefaultMaxRetries)
	if err != nil {
		return "", err
	}
	if _, err := d.submitAndWait(cmd); err != nil {
		return "", err
	}
	v, _ := d.engine.Cache().Formatted("FirmwareVersion")
	return v, nil
}

// ProductID requests the device's product identifier.
func (d *Driver) ProductID() (string, error) {
	cmd, err := NewProductIDCommand(d.cfg.DefaultPriority, d.cfg.DefaultMaxRetries)
	if err != nil {
		return "", err
	}
	if _, err := d.submitAndWait(cmd); err != nil {
		return "", err
	}
	v, _ := d.engine.Cache().Formatted("ProductID")
	return v, nil
}

// Get reads address, returning its raw (already endian-swapped back to
// big-endian) value bytes.
func (d *Driver) Get(address uint16, priority byte, force bool) ([]byte, error) {
	cmd, err := NewGetCommand(address, priority, retriesFor(d.cfg.DefaultMaxRetries, force))
	if err != nil {
		return nil, err
	}
	resp, err := d.submitAndWait(cmd)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Set writes value (already in big-endian internal form) to address.
func (d *Driver) Set(address uint16, value []byte, priority byte, force bool) error {
	cmd, err := NewSetCommand(address, value, priority, retriesFor(d.cfg.DefaultMaxRetries, force))
	if err != nil {
		return err
	}
	_, err = d.submitAndWait(cmd)
	return err
}

// SetRelay is the simple on/off convenience wrapper over the relay mode
// register, using the driver's default priority and retry budget.
func (d *Driver) SetRelay(on bool) error {
	var v byte
	if on {
		v = 1
	}
	return d.Set(addrRelayMode, []byte{v}, d.cfg.DefaultPriority, false)
}

// SetRelayMode writes the full relay control mode byte (the device
// supports more than simple on/off: alarm-tracking, charged-state
// tracking, and so on), with explicit priority and force control.
func (d *Driver) SetRelayMode(mode byte, priority byte, force bool) error {
	return d.Set(addrRelayMode, []byte{mode}, priority, force)
}

// SetStateOfCharge forces the state-of-charge register to percent
// (0-100), used after a manual full-charge sync.
func (d *Driver) SetStateOfCharge(percent float64, priority byte, force bool) error {
	raw := encodeNative(percent, 0.01, 2)
	return d.Set(addrSOC, raw, priority, force)
}

// getNamed performs a Get against address and returns the formatted
// value the cache committed for name.
func (d *Driver) getNamed(address uint16, name string) (string, error) {
	if _, err := d.Get(address, d.cfg.DefaultPriority, false); err != nil {
		return "", err
	}
	v, _ := d.engine.Cache().Formatted(name)
	return v, nil
}

// setNamed encodes nativeValue using name's registered scaling factor
// and width, then issues a Set against address.
func (d *Driver) setNamed(address uint16, name string, nativeValue float64, priority byte, force bool) error {
	obj, ok := d.engine.Cache().LookupByName(name)
	if !ok {
		return ErrUnknownRegister
	}
	raw := encodeNative(nativeValue, obj.desc.NativeToUnitFactor, obj.desc.ValueWidth)
	return d.Set(address, raw, priority, force)
}

func encodeNative(value, factor float64, width int) []byte {
	if factor == 0 {
		factor = 1
	}
	if width <= 0 {
		width = 2
	}
	native := int64(math.Round(value / factor))
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(native)
		native >>= 8
	}
	return buf
}

// BatteryCapacity / SetBatteryCapacity and the remaining named pairs
// below are thin convenience wrappers over Get/Set (spec.md §6) for the
// configuration registers registers.Default() declares.

func (d *Driver) BatteryCapacity() (string, error) {
	return d.getNamed(addrBatteryCapacity, "BatteryCapacity")
}

func (d *Driver) SetBatteryCapacity(ah float64, priority byte, force bool) error {
	return d.setNamed(addrBatteryCapacity, "BatteryCapacity", ah, priority, force)
}

func (d *Driver) ChargedVoltage() (string, error) {
	return d.getNamed(addrChargedVoltage, "ChargedVoltage")
}

func (d *Driver) SetChargedVoltage(volts float64, priority byte, force bool) error {
	return d.setNamed(addrChargedVoltage, "ChargedVoltage", volts, priority, force)
}

func (d *Driver) TailCurrent() (string, error) {
	return d.getNamed(addrTailCurrent, "TailCurrent")
}

func (d *Driver) SetTailCurrent(percent float64, priority byte, force bool) error {
	return d.setNamed(addrTailCurrent, "TailCurrent", percent, priority, force)
}

func (d *Driver) ChargedDetectionTime() (string, error) {
	return d.getNamed(addrChargedDetectionTime, "ChargedDetectionTime")
}

func (d *Driver) SetChargedDetectionTime(minutes float64, priority byte, force bool) error {
	return d.setNamed(addrChargedDetectionTime, "ChargedDetectionTime", minutes, priority, force)
}

func (d *Driver) ChargeEfficiency() (string, error) {
	return d.getNamed(addrChargeEfficiency, "ChargeEfficiency")
}

func (d *Driver) SetChargeEfficiency(percent float64, priority byte, force bool) error {
	return d.setNamed(addrChargeEfficiency, "ChargeEfficiency", percent, priority, force)
}

func (d *Driver) PeukertExponent() (string, error) {
	return d.getNamed(addrPeukertExponent, "PeukertExponent")
}

func (d *Driver) SetPeukertExponent(exponent float64, priority byte, force bool) error {
	return d.setNamed(addrPeukertExponent, "PeukertExponent", exponent, priority, force)
}

func (d *Driver) ChargeFloorVoltage() (string, error) {
	return d.getNamed(addrChargeFloorVoltage, "ChargeFloorVoltage")
}

func (d *Driver) SetChargeFloorVoltage(volts float64, priority byte, force bool) error {
	return d.setNamed(addrChargeFloorVoltage, "ChargeFloorVoltage", volts, priority, force)
}

func (d *Driver) DischargeFloorVoltage() (string, error) {
	return d.getNamed(addrDischargeFloorVoltage, "DischargeFloorVoltage")
}

func (d *Driver) SetDischargeFloorVoltage(volts float64, priority byte, force bool) error {
	return d.setNamed(addrDischargeFloorVoltage, "DischargeFloorVoltage", volts, priority, force)
}

func (d *Driver) TemperatureCoefficient() (string, error) {
	return d.getNamed(addrTemperatureCoefficient, "TemperatureCoefficient")
}

func (d *Driver) SetTemperatureCoefficient(percentPerDegree float64, priority byte, force bool) error {
	return d.setNamed(addrTemperatureCoefficient, "TemperatureCoefficient", percentPerDegree, priority, force)
}

// RegisterListener attaches a per-descriptor change callback to property
// (a telemetry key or human name).
func (d *Driver) RegisterListener(property string, l Listener) error {
	return d.engine.Cache().AddListener(property, l)
}

// RegisterChangeListener attaches l to the pseudo-property ChangeList,
// fired once per frame (or resolved command) with the full changed set.
func (d *Driver) RegisterChangeListener(l ChangeListener) {
	d.engine.Cache().AddChangeListener(l)
}

// DeregisterListener drops every listener registered for property
// (or ChangeList).
func (d *Driver) DeregisterListener(property string) {
	d.engine.Cache().RemoveListeners(property)
}

// HasListeners reports whether property (or ChangeList) has at least one
// registered listener.
func (d *Driver) HasListeners(property string) bool {
	return d.engine.Cache().HasListeners(property)
}
