package binding

import (
	"errors"
	"fmt"
	"math"

	"github.com/mbi-berlin/lightfield-http/lightfield"
	"go.uber.org/zap"
)

var (
	// ErrUnknownAttribute is generated when no binding has the requested name
	ErrUnknownAttribute = errors.New("binding: unknown attribute")

	// ErrReadOnly is generated on writes to a read-only attribute
	ErrReadOnly = errors.New("binding: attribute is read-only")

	// ErrDeviceBusy is generated when a write is attempted during an acquisition
	ErrDeviceBusy = errors.New("device busy: acquisition running")
)

// ValidationError is generated when a value is not acceptable for an attribute
type ValidationError struct {
	Name   string
	Value  interface{}
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("binding: %s=%v: %s", e.Name, e.Value, e.Reason)
}

// Table holds the live bindings of one engine.  It is immutable after Build
// and safe for concurrent use if the engine is.
type Table struct {
	engine   lightfield.Settings
	running  func() bool
	logger   *zap.Logger
	bindings []Declaration
	index    map[string]int
}

// Build validates decls and binds those whose setting exists on the engine.
// running reports if an acquisition is in progress; writes are refused while
// it returns true.  A nil running is never busy.
func Build(engine lightfield.Settings, decls []Declaration, running func() bool, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if running == nil {
		running = func() bool { return false }
	}
	seen := map[string]bool{}
	for _, d := range decls {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("binding: duplicate attribute name %s", d.Name)
		}
		seen[d.Name] = true
	}
	t := &Table{engine: engine, running: running, logger: logger, index: map[string]int{}}
	for _, d := range decls {
		if !engine.Exists(d.Key) {
			logger.Info("setting not present on the experiment, attribute skipped",
				zap.String("attribute", d.Name), zap.String("setting", string(d.Key)))
			continue
		}
		t.index[d.Name] = len(t.bindings)
		t.bindings = append(t.bindings, d)
	}
	return t, nil
}

// Attributes returns the declarations of the live bindings in declaration order
func (t *Table) Attributes() []Declaration {
	out := make([]Declaration, len(t.bindings))
	copy(out, t.bindings)
	return out
}

// Lookup returns the declaration bound to name
func (t *Table) Lookup(name string) (Declaration, bool) {
	i, ok := t.index[name]
	if !ok {
		return Declaration{}, false
	}
	return t.bindings[i], true
}

// Len is the number of live bindings
func (t *Table) Len() int {
	return len(t.bindings)
}

// Read returns the current engine value of an attribute, converted to its kind:
// int for Int and Enum, float64 for Float, string and bool.
func (t *Table) Read(name string) (interface{}, error) {
	d, ok := t.Lookup(name)
	if !ok {
		return nil, ErrUnknownAttribute
	}
	v, err := t.engine.GetValue(d.Key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	out, err := coerce(d, v)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return out, nil
}

// Write converts v to the kind of the attribute, checks it, and applies it to the engine
func (t *Table) Write(name string, v interface{}) error {
	d, ok := t.Lookup(name)
	if !ok {
		return ErrUnknownAttribute
	}
	if d.Access != ReadWrite {
		return ErrReadOnly
	}
	if t.running() {
		t.logger.Warn("write refused, acquisition running", zap.String("attribute", name), zap.Any("value", v))
		return ErrDeviceBusy
	}
	val, err := coerce(d, v)
	if err != nil {
		return err
	}
	if d.Bounds != nil {
		var f float64
		switch x := val.(type) {
		case int:
			f = float64(x)
		case float64:
			f = x
		}
		if f < d.Bounds.Min || f > d.Bounds.Max {
			return &ValidationError{Name: name, Value: v, Reason: fmt.Sprintf("outside [%v, %v]", d.Bounds.Min, d.Bounds.Max)}
		}
	}
	if !t.engine.IsValid(d.Key, val) {
		return &ValidationError{Name: name, Value: v, Reason: "rejected by the experiment"}
	}
	if err = t.engine.SetValue(d.Key, val); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	t.logger.Debug("attribute written", zap.String("attribute", name), zap.Any("value", val))
	return nil
}

// coerce converts v to the Go type of d.Kind
func coerce(d Declaration, v interface{}) (interface{}, error) {
	bad := func(reason string) error {
		return &ValidationError{Name: d.Name, Value: v, Reason: reason}
	}
	switch d.Kind {
	case Int, Enum:
		switch x := v.(type) {
		case int:
			return x, nil
		case int32:
			return int(x), nil
		case int64:
			return int(x), nil
		case uint16:
			return int(x), nil
		case uint32:
			return int(x), nil
		case float32:
			if float32(math.Trunc(float64(x))) != x {
				return nil, bad("not an integer")
			}
			if math.Abs(float64(x)) > math.MaxInt32 {
				return nil, bad("out of range")
			}
			return int(x), nil
		case float64:
			if math.Trunc(x) != x || math.IsInf(x, 0) {
				return nil, bad("not an integer")
			}
			if math.Abs(x) > math.MaxInt32 {
				return nil, bad("out of range")
			}
			return int(x), nil
		}
		return nil, bad("expected an integer")
	case Float:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int32:
			return float64(x), nil
		case int64:
			return float64(x), nil
		}
		return nil, bad("expected a number")
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, bad("expected a string")
	case Bool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, bad("expected a boolean")
	}
	return nil, bad("unknown kind")
}
