package binding_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mbi-berlin/lightfield-http/binding"
	"github.com/mbi-berlin/lightfield-http/lightfield"
	"go.uber.org/zap"
)

func build(t *testing.T, m *lightfield.Mock, running func() bool) *binding.Table {
	t.Helper()
	tbl, err := binding.Build(m, binding.LightField, running, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestDefaultTableIsValid(t *testing.T) {
	for _, d := range binding.LightField {
		if err := d.Validate(); err != nil {
			t.Error(err)
		}
	}
}

func TestBuildSkipsAbsentSettings(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	m.Remove(lightfield.AdcSpeed)
	m.Remove(lightfield.ReadoutControlPortsUsed)
	m.Remove(lightfield.OrientationCorrectionRotateClockwise)
	tbl := build(t, m, nil)
	if want := len(binding.LightField) - 3; tbl.Len() != want {
		t.Errorf("expected %d bindings, got %d", want, tbl.Len())
	}
	if _, ok := tbl.Lookup("adc_speed"); ok {
		t.Error("adc_speed should not be bound")
	}
	if _, err := tbl.Read("n_ports"); !errors.Is(err, binding.ErrUnknownAttribute) {
		t.Errorf("expected ErrUnknownAttribute, got %v", err)
	}
}

func TestAttributesKeepDeclarationOrder(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	m.Remove(lightfield.ShutterTimingMode)
	tbl := build(t, m, nil)
	var got []string
	for _, d := range tbl.Attributes() {
		got = append(got, d.Name)
	}
	want := []string{"temp_read", "temp_set", "temp_status", "shutter_close", "exposure",
		"n_ports", "adc_speed", "n_frames", "save_folder", "save_base", "save_index",
		"save_digits", "orient_on", "orient_hor", "orient_ver", "orient_rot"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}
}

func TestBuildRejectsDuplicates(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	decls := []binding.Declaration{
		{Name: "x", Key: lightfield.AdcSpeed, Kind: binding.Float},
		{Name: "x", Key: lightfield.ReadoutControlPortsUsed, Kind: binding.Int},
	}
	if _, err := binding.Build(m, decls, nil, nil); err == nil {
		t.Error("duplicate names should be rejected")
	}
}

func TestValidateRejectsInapplicableFields(t *testing.T) {
	bad := []binding.Declaration{
		{Key: lightfield.AdcSpeed, Kind: binding.Float},
		{Name: "a", Kind: binding.Float},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.Enum},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.Int, Labels: []string{"x"}},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.String, Bounds: &binding.Bounds{Max: 1}},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.Bool, Unit: "ms"},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.Enum, Labels: []string{"x"}, Bounds: &binding.Bounds{}},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.Float, Bounds: &binding.Bounds{Min: 2, Max: 1}},
		{Name: "a", Key: lightfield.AdcSpeed, Kind: binding.Kind(42)},
	}
	for i, d := range bad {
		if err := d.Validate(); err == nil {
			t.Errorf("declaration %d %+v should be invalid", i, d)
		}
	}
}

func TestReadCoercesToKind(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	tbl := build(t, m, nil)
	v, err := tbl.Read("temp_read")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(float64); !ok {
		t.Errorf("temp_read should be float64, got %T", v)
	}
	v, _ = tbl.Read("temp_status")
	if v.(int) != 2 {
		t.Errorf("temp_status %v, want 2", v)
	}
}

func TestWrite(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	tbl := build(t, m, nil)
	// JSON numbers arrive as float64
	if err := tbl.Write("n_frames", 5.); err != nil {
		t.Fatal(err)
	}
	v, _ := m.GetValue(lightfield.AcquisitionFramesToStore)
	if v.(int) != 5 {
		t.Errorf("n_frames %v, want 5", v)
	}
	if err := tbl.Write("save_base", "run"); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Write("orient_rot", 3.); err != nil {
		t.Fatal(err)
	}
}

func TestWriteErrors(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	tbl := build(t, m, nil)
	var ve *binding.ValidationError
	tests := []struct {
		name  string
		value interface{}
		check func(error) bool
	}{
		{"nope", 1., func(err error) bool { return errors.Is(err, binding.ErrUnknownAttribute) }},
		{"temp_read", 1., func(err error) bool { return errors.Is(err, binding.ErrReadOnly) }},
		{"n_frames", 1.5, func(err error) bool { return errors.As(err, &ve) }},
		{"n_frames", "two", func(err error) bool { return errors.As(err, &ve) }},
		{"n_frames", 0., func(err error) bool { return errors.As(err, &ve) }},
		{"temp_set", 50., func(err error) bool { return errors.As(err, &ve) }},
		{"orient_on", 1., func(err error) bool { return errors.As(err, &ve) }},
		// in range for the table, refused by the engine
		{"n_ports", 3., func(err error) bool { return errors.As(err, &ve) }},
		// enum index range is left to the engine
		{"shutter_mode", 9., func(err error) bool { return errors.As(err, &ve) }},
	}
	for _, tt := range tests {
		err := tbl.Write(tt.name, tt.value)
		if !tt.check(err) {
			t.Errorf("%s=%v: unexpected error %v", tt.name, tt.value, err)
		}
	}
	v, _ := m.GetValue(lightfield.ReadoutControlPortsUsed)
	if v.(int) != 1 {
		t.Errorf("rejected write changed the engine, n_ports=%v", v)
	}
}

func TestWriteRejectsOversizeIntegers(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	tbl := build(t, m, nil)
	for _, v := range []interface{}{1e20, -1e20, float32(1e12)} {
		var ve *binding.ValidationError
		err := tbl.Write("n_ports", v)
		if !errors.As(err, &ve) || ve.Reason != "out of range" {
			t.Errorf("n_ports=%v: unexpected error %v", v, err)
		}
	}
	if err := tbl.Write("n_ports", 2.); err != nil {
		t.Errorf("n_ports=2: %v", err)
	}
}

func TestWriteRefusedWhileRunning(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	running := true
	tbl := build(t, m, func() bool { return running })
	if err := tbl.Write("exposure", 10.); !errors.Is(err, binding.ErrDeviceBusy) {
		t.Errorf("expected ErrDeviceBusy, got %v", err)
	}
	v, _ := m.GetValue(lightfield.ShutterTimingExposureTime)
	if v.(float64) != 100 {
		t.Errorf("busy write was applied, exposure=%v", v)
	}
	if _, err := tbl.Read("exposure"); err != nil {
		t.Errorf("reads must not be blocked by a running acquisition: %v", err)
	}
	running = false
	if err := tbl.Write("exposure", 10.); err != nil {
		t.Error(err)
	}
}

func TestLoadYAML(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "attrs.yml")
	doc := `- Name: exposure
  Key: CameraSettings.ShutterTimingExposureTime
  Access: readwrite
  Kind: float
  Unit: ms
  Bounds:
    Min: 0
    Max: 1000
- Name: shutter
  Key: CameraSettings.ShutterTimingMode
  Access: readwrite
  Kind: enum
  Labels: [undefined, normal, open, closed]
`
	if err := os.WriteFile(fn, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}
	decls, err := binding.LoadYAML(fn)
	if err != nil {
		t.Fatal(err)
	}
	want := []binding.Declaration{
		{Name: "exposure", Key: lightfield.ShutterTimingExposureTime, Access: binding.ReadWrite,
			Kind: binding.Float, Unit: "ms", Bounds: &binding.Bounds{Min: 0, Max: 1000}},
		{Name: "shutter", Key: lightfield.ShutterTimingMode, Access: binding.ReadWrite,
			Kind: binding.Enum, Labels: []string{"undefined", "normal", "open", "closed"}},
	}
	if diff := cmp.Diff(want, decls); diff != "" {
		t.Error(diff)
	}
}
