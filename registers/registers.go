// Package registers is the static descriptor catalogue the cache consumes.
// spec.md §1 treats this table as an external collaborator: it supplies
// the scaling/formatting metadata for named registers, but the catalogue
// itself — which addresses exist, their human names and telemetry keys —
// is out of scope for the communication engine. This package provides a
// default table covering the required telemetry subset (spec.md §6) and
// the named battery-configuration registers the facade's convenience
// wrappers target, so the engine and cache are independently testable.
package registers

import "fmt"

// Formatter renders a native-unit value as a display string.
type Formatter func(value interface{}) string

// Descriptor is the static, address/key/name-addressable metadata for one
// device register. It excludes the mutable cache state (current/staged
// value, listeners) which lives in the bmv package's cache object type.
type Descriptor struct {
	Address      uint16 // register address; ignored (0) for telemetry-only keys
	HasAddress   bool
	TelemetryKey string // short ASCII token, empty if command-only
	HumanName    string

	NativeToUnitFactor float64 // scalar applied to produce SI units
	Precision          int     // decimal places for display
	Delta              float64 // minimum SI-unit change required to notify

	Formatter   Formatter
	ShortDescr  string
	Units       string
	Numeric     bool // false for string-valued registers (ON/OFF, PID, FW)
	ValueWidth  int  // byte width for register-protocol value transfer: 1, 2 or 4
}

func defaultFormatter(factor float64, precision int, units string) Formatter {
	return func(v interface{}) string {
		switch n := v.(type) {
		case int64:
			return fmt.Sprintf("%.*f%s", precision, float64(n)*factor, units)
		case float64:
			return fmt.Sprintf("%.*f%s", precision, n*factor, units)
		default:
			return fmt.Sprintf("%v%s", v, units)
		}
	}
}

// Default returns the built-in register table. Callers needing a
// different catalogue (a different firmware revision, a test fixture)
// can pass their own []Descriptor into bmv.New instead.
func Default() []Descriptor {
	return []Descriptor{
		// --- telemetry-only registers ---
		{TelemetryKey: "PID", HumanName: "ProductID", Numeric: false, ShortDescr: "Product ID"},
		{TelemetryKey: "V", HumanName: "MainVoltage", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "V", ShortDescr: "Main (battery) voltage"},
		{TelemetryKey: "VM", HumanName: "MidPointVoltage", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "V", ShortDescr: "Mid-point voltage"},
		{TelemetryKey: "DM", HumanName: "MidPointDeviation", Numeric: true, NativeToUnitFactor: 0.1, Precision: 1, Delta: 0.1, Units: "%", ShortDescr: "Mid-point deviation"},
		{TelemetryKey: "I", HumanName: "Current", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "A", ShortDescr: "Instantaneous current"},
		{TelemetryKey: "P", HumanName: "Power", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, Units: "W", ShortDescr: "Instantaneous power"},
		{TelemetryKey: "CE", HumanName: "ConsumedAmpHours", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.01, Units: "Ah", ShortDescr: "Consumed amp-hours"},
		{TelemetryKey: "SOC", HumanName: "StateOfCharge", Numeric: true, NativeToUnitFactor: 0.1, Precision: 1, Delta: 0.1, Units: "%", ShortDescr: "State of charge"},
		{TelemetryKey: "TTG", HumanName: "TimeToGo", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, Units: "min", ShortDescr: "Time-to-go"},
		{TelemetryKey: "Alarm", HumanName: "Alarm", Numeric: false, ShortDescr: "Alarm condition active"},
		{TelemetryKey: "Relay", HumanName: "Relay", Numeric: false, ShortDescr: "Relay state"},
		{TelemetryKey: "AR", HumanName: "AlarmReason", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Alarm reason bitmask"},
		{TelemetryKey: "BMV", HumanName: "ModelCode", Numeric: false, ShortDescr: "BMV model code"},
		{TelemetryKey: "FW", HumanName: "FirmwareVersion", Numeric: false, ShortDescr: "Firmware version"},

		// --- register-protocol configuration registers ---
		{Address: 0x0FFF, HasAddress: true, HumanName: "SOCRegister", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.01, Units: "%", ValueWidth: 2, ShortDescr: "State of charge (register protocol)"},
		{Address: 0x1000, HasAddress: true, HumanName: "BatteryCapacity", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, Units: "Ah", ValueWidth: 2, ShortDescr: "Installed battery capacity"},
		{Address: 0x1001, HasAddress: true, HumanName: "ChargedVoltage", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.01, Units: "V", ValueWidth: 2, ShortDescr: "Charged voltage threshold"},
		{Address: 0x1002, HasAddress: true, HumanName: "TailCurrent", Numeric: true, NativeToUnitFactor: 0.1, Precision: 1, Delta: 0.1, Units: "%", ValueWidth: 2, ShortDescr: "Tail current, percent of capacity"},
		{Address: 0x1003, HasAddress: true, HumanName: "ChargedDetectionTime", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, Units: "min", ValueWidth: 2, ShortDescr: "Charged detection time"},
		{Address: 0x1004, HasAddress: true, HumanName: "ChargeEfficiency", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, Units: "%", ValueWidth: 2, ShortDescr: "Charge efficiency factor"},
		{Address: 0x1005, HasAddress: true, HumanName: "PeukertExponent", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.01, ValueWidth: 2, ShortDescr: "Peukert exponent"},
		{Address: 0x1006, HasAddress: true, HumanName: "ChargeFloorVoltage", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.01, Units: "V", ValueWidth: 2, ShortDescr: "Charge-state floor voltage"},
		{Address: 0x1007, HasAddress: true, HumanName: "DischargeFloorVoltage", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.01, Units: "V", ValueWidth: 2, ShortDescr: "Discharge-state floor voltage"},
		{Address: 0x1008, HasAddress: true, HumanName: "TemperatureCoefficient", Numeric: true, NativeToUnitFactor: 0.1, Precision: 1, Delta: 0.1, Units: "%/°C", ValueWidth: 2, ShortDescr: "Temperature compensation coefficient"},
		{Address: 0x1009, HasAddress: true, HumanName: "RelayMode", Numeric: false, ValueWidth: 1, ShortDescr: "Relay control mode"},

		// --- historical (H1..H18) telemetry counters ---
		{TelemetryKey: "H1", HumanName: "DeepestDischarge", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.01, Units: "Ah", ShortDescr: "Deepest discharge"},
		{TelemetryKey: "H2", HumanName: "LastDischarge", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.01, Units: "Ah", ShortDescr: "Last discharge"},
		{TelemetryKey: "H3", HumanName: "AverageDischarge", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.01, Units: "Ah", ShortDescr: "Average discharge"},
		{TelemetryKey: "H4", HumanName: "ChargeCycles", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of charge cycles"},
		{TelemetryKey: "H5", HumanName: "FullDischarges", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of full discharges"},
		{TelemetryKey: "H6", HumanName: "CumulativeAmpHours", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.1, Units: "Ah", ShortDescr: "Cumulative amp-hours drawn"},
		{TelemetryKey: "H7", HumanName: "MinVoltage", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "V", ShortDescr: "Minimum main voltage"},
		{TelemetryKey: "H8", HumanName: "MaxVoltage", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "V", ShortDescr: "Maximum main voltage"},
		{TelemetryKey: "H9", HumanName: "SecondsSinceFullCharge", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 60, Units: "s", ShortDescr: "Seconds since last full charge"},
		{TelemetryKey: "H10", HumanName: "AutoSyncs", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of automatic synchronisations"},
		{TelemetryKey: "H11", HumanName: "LowVoltageAlarms", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of low main voltage alarms"},
		{TelemetryKey: "H12", HumanName: "HighVoltageAlarms", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of high main voltage alarms"},
		{TelemetryKey: "H13", HumanName: "LowAuxVoltageAlarms", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of low auxiliary voltage alarms"},
		{TelemetryKey: "H14", HumanName: "HighAuxVoltageAlarms", Numeric: true, NativeToUnitFactor: 1, Precision: 0, Delta: 1, ShortDescr: "Number of high auxiliary voltage alarms"},
		{TelemetryKey: "H15", HumanName: "MinAuxVoltage", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "V", ShortDescr: "Minimum auxiliary voltage"},
		{TelemetryKey: "H16", HumanName: "MaxAuxVoltage", Numeric: true, NativeToUnitFactor: 0.001, Precision: 3, Delta: 0.001, Units: "V", ShortDescr: "Maximum auxiliary voltage"},
		{TelemetryKey: "H17", HumanName: "DischargedEnergy", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.1, Units: "kWh", ShortDescr: "Amount of discharged energy"},
		{TelemetryKey: "H18", HumanName: "ChargedEnergy", Numeric: true, NativeToUnitFactor: 0.01, Precision: 2, Delta: 0.1, Units: "kWh", ShortDescr: "Amount of charged energy"},
	}
}

// WithFormatters fills in a default formatter for any descriptor that
// doesn't already carry one. Kept separate from Default so callers can
// plug catalogue-specific formatting without reconstructing the table.
func WithFormatters(table []Descriptor) []Descriptor {
	out := make([]Descriptor, len(table))
	for i, d := range table {
		if d.Formatter == nil {
			d.Formatter = defaultFormatter(d.NativeToUnitFactor, d.Precision, d.Units)
		}
		out[i] = d
	}
	return out
}
