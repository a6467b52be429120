package bmv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/vrm-tools/bmv-driver/internal/dlog"
	"github.com/vrm-tools/bmv-driver/registers"
)

// Listener is a per-descriptor change callback. It is invoked with the
// newly formatted value, the previously formatted value (empty if the
// descriptor had no prior value), the timestamp of the frame that
// produced the change, and the descriptor's telemetry key (or human name
// for command-only registers).
type Listener func(newFormatted, oldFormatted string, frameTimestamp time.Time, key string)

// Change describes one descriptor whose committed value actually changed,
// as delivered to ChangeList listeners.
type Change struct {
	Key          string
	HumanName    string
	NewFormatted string
	OldFormatted string
}

// ChangeListener receives the aggregated set of changes produced by one
// frame commit, keyed by telemetry key (or human name for command-only
// registers).
type ChangeListener func(changes map[string]Change, frameTimestamp time.Time)

// object is the cache's internal, mutable representation of one register.
// It is owned exclusively by the Cache's id-keyed store; the three
// indexes below hold ids, never pointers, so "three maps, one object" is
// structural rather than an invariant callers could violate.
type object struct {
	id   string
	desc registers.Descriptor

	value    interface{}
	hasValue bool
	newValue interface{}
	hasNew   bool

	listeners []Listener
}

func (o *object) key() string {
	if o.desc.TelemetryKey != "" {
		return o.desc.TelemetryKey
	}
	return o.desc.HumanName
}

// Cache is the register descriptor store described in spec.md §3/§4.2. It
// is not safe for concurrent use; spec.md §5 confines all cache
// mutation to the protocol engine's single execution context.
type Cache struct {
	objects map[string]*object
	order   []string // insertion order, for deterministic dispatch passes

	byAddress map[string]string
	byKey     map[string]string
	byName    map[string]string

	changeListeners []ChangeListener
}

// New builds a Cache pre-populated from table. table is normally
// registers.Default(), passed through registers.WithFormatters.
func New(table []registers.Descriptor) *Cache {
	c := &Cache{
		objects:   make(map[string]*object),
		byAddress: make(map[string]string),
		byKey:     make(map[string]string),
		byName:    make(map[string]string),
	}
	for _, d := range table {
		c.register(d)
	}
	return c
}

func addressKey(addr uint16) string {
	return fmt.Sprintf("0x%04X", addr)
}

func (c *Cache) register(d registers.Descriptor) *object {
	id := fmt.Sprintf("obj-%d", len(c.order))
	obj := &object{id: id, desc: d}
	c.objects[id] = obj
	c.order = append(c.order, id)
	if d.HasAddress {
		c.byAddress[addressKey(d.Address)] = id
	}
	if d.TelemetryKey != "" {
		c.byKey[d.TelemetryKey] = id
	}
	if d.HumanName != "" {
		c.byName[d.HumanName] = id
	}
	return obj
}

func (c *Cache) lookupByAddress(addr uint16) (*object, bool) {
	id, ok := c.byAddress[addressKey(addr)]
	if !ok {
		return nil, false
	}
	return c.objects[id], true
}

func (c *Cache) lookupByKey(key string) (*object, bool) {
	id, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	return c.objects[id], true
}

// LookupByName resolves a register by its human name, for the facade's
// named getters/setters and listener registration.
func (c *Cache) LookupByName(name string) (*object, bool) {
	id, ok := c.byName[name]
	if !ok {
		return nil, false
	}
	return c.objects[id], true
}

// registerDynamic adds a generic descriptor (factor 1, no formatter) for
// a telemetry key absent from the static table, so unknown fields are
// still retained rather than dropped.
func (c *Cache) registerDynamic(key string) *object {
	return c.register(registers.Descriptor{
		TelemetryKey:       key,
		HumanName:          key,
		Numeric:            true,
		NativeToUnitFactor: 1,
		Delta:              0,
	})
}

// StageNewValue parses raw telemetry text for key (registering a dynamic
// descriptor if key is unknown) and stages it as newValue.
func (c *Cache) StageNewValue(key, raw string) {
	obj, ok := c.lookupByKey(key)
	if !ok {
		obj = c.registerDynamic(key)
	}
	obj.newValue = parseTelemetryValue(raw)
	obj.hasNew = true
}

// StageNewValueByAddress is used by the response path (spec.md §4.6):
// get/set responses set newValue directly via the descriptor's address
// index rather than its telemetry key.
func (c *Cache) StageNewValueByAddress(addr uint16, value []byte) (*object, bool) {
	obj, ok := c.lookupByAddress(addr)
	if !ok {
		return nil, false
	}
	obj.newValue = decodeRegisterValue(obj.desc, value)
	obj.hasNew = true
	return obj, true
}

func parseTelemetryValue(raw string) interface{} {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	return raw
}

func decodeRegisterValue(d registers.Descriptor, value []byte) interface{} {
	if !d.Numeric {
		return fmt.Sprintf("0x%X", value)
	}
	var n int64
	for _, b := range value {
		n = n<<8 | int64(b)
	}
	return n
}

// CommitAndDispatch performs the re-entrant commit pass described in
// spec.md §4.2: descriptors whose staged value differs from their
// current value are committed; those crossing the delta threshold (or
// any non-numeric inequality) fire their listeners; listeners may stage
// further changes, so the pass repeats until a full sweep commits
// nothing. Finally every descriptor whose listeners fired is delivered
// once to the ChangeList listeners; a change below the delta threshold
// is committed without being reported.
func (c *Cache) CommitAndDispatch(frameTimestamp time.Time) {
	changed := make(map[string]Change)
	dirty := true
	for dirty {
		dirty = false
		for _, id := range c.order {
			obj := c.objects[id]
			if !obj.hasNew {
				continue
			}
			if obj.hasValue && valuesEqual(obj.value, obj.newValue) {
				obj.hasNew = false
				obj.newValue = nil
				continue
			}
			dirty = true

			fires := !obj.hasValue || thresholdMet(obj)
			var newFormatted, oldFormatted string
			if fires {
				newFormatted = formatValue(obj.desc, obj.newValue)
				if obj.hasValue {
					oldFormatted = formatValue(obj.desc, obj.value)
				}
				for _, l := range obj.listeners {
					invokeListener(l, newFormatted, oldFormatted, frameTimestamp, obj.key())
				}
				changed[obj.key()] = Change{
					Key:          obj.key(),
					HumanName:    obj.desc.HumanName,
					NewFormatted: newFormatted,
					OldFormatted: oldFormatted,
				}
			}

			obj.value = obj.newValue
			obj.hasValue = true
			obj.newValue = nil
			obj.hasNew = false
		}
	}
	if len(changed) == 0 {
		return
	}
	for _, cl := range c.changeListeners {
		invokeChangeListener(cl, changed, frameTimestamp)
	}
}

// DiscardStaged clears newValue on every telemetry-associated descriptor,
// leaving command-only registers (those with no TelemetryKey) untouched.
// Called when a frame fails its checksum.
func (c *Cache) DiscardStaged() {
	for _, id := range c.order {
		obj := c.objects[id]
		if obj.desc.TelemetryKey == "" {
			continue
		}
		obj.hasNew = false
		obj.newValue = nil
	}
}

func thresholdMet(obj *object) bool {
	if !obj.desc.Numeric {
		return !valuesEqual(obj.value, obj.newValue)
	}
	oldF, _ := toFloat(obj.value)
	newF, _ := toFloat(obj.newValue)
	delta := math.Abs(newF*obj.desc.NativeToUnitFactor - oldF*obj.desc.NativeToUnitFactor)
	return delta >= obj.desc.Delta
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
}

func formatValue(d registers.Descriptor, v interface{}) string {
	if d.Formatter != nil {
		return d.Formatter(v)
	}
	if n, ok := v.(int64); ok && d.Numeric {
		return fmt.Sprintf("%.*f%s", d.Precision, float64(n)*d.NativeToUnitFactor, d.Units)
	}
	return fmt.Sprintf("%v", v)
}

// invokeListener recovers per-listener panics and logs them; neither the
// frame nor other listeners are affected (spec.md §4.2, §7).
func invokeListener(l Listener, newFormatted, oldFormatted string, ts time.Time, key string) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Err.Printf("listener panic for %s: %v", key, r)
		}
	}()
	l(newFormatted, oldFormatted, ts, key)
}

func invokeChangeListener(cl ChangeListener, changed map[string]Change, ts time.Time) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Err.Printf("ChangeList listener panic: %v", r)
		}
	}()
	cl(changed, ts)
}

// AddListener registers a per-descriptor change callback. property may be
// a telemetry key or a human name; both resolve to the same descriptor
// instance per spec.md §3.
func (c *Cache) AddListener(property string, l Listener) error {
	obj, ok := c.lookupByKey(property)
	if !ok {
		obj, ok = c.LookupByName(property)
	}
	if !ok {
		return ErrUnknownRegister
	}
	obj.listeners = append(obj.listeners, l)
	return nil
}

// AddChangeListener registers a callback against the pseudo-property
// ChangeList.
func (c *Cache) AddChangeListener(l ChangeListener) {
	c.changeListeners = append(c.changeListeners, l)
}

// HasListeners reports whether property (or the pseudo-property
// ChangeList) has at least one registered listener.
func (c *Cache) HasListeners(property string) bool {
	if property == "ChangeList" {
		return len(c.changeListeners) > 0
	}
	obj, ok := c.lookupByKey(property)
	if !ok {
		obj, ok = c.LookupByName(property)
	}
	return ok && len(obj.listeners) > 0
}

// RemoveListeners drops every listener registered for property. Used by
// facade.DeregisterListener; there is no way to remove a single listener
// since spec.md does not give listeners identity beyond their function
// value (duplicates are explicitly permitted in the descriptor model).
func (c *Cache) RemoveListeners(property string) {
	if property == "ChangeList" {
		c.changeListeners = nil
		return
	}
	if obj, ok := c.lookupByKey(property); ok {
		obj.listeners = nil
		return
	}
	if obj, ok := c.LookupByName(property); ok {
		obj.listeners = nil
	}
}

// Formatted returns the current committed value of property, formatted
// for display, and whether the property has ever been committed.
func (c *Cache) Formatted(property string) (string, bool) {
	obj, ok := c.lookupByKey(property)
	if !ok {
		obj, ok = c.LookupByName(property)
	}
	if !ok || !obj.hasValue {
		return "", false
	}
	return formatValue(obj.desc, obj.value), true
}

// normalizeBool keeps ON/OFF comparisons case-insensitive while leaving
// the stored value exactly as transmitted, matching the device's own
// casing in formatted output.
func normalizeBool(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
