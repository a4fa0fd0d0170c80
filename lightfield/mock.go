package lightfield

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MockConfig holds the parameters of a simulated experiment
type MockConfig struct {
	// Width and Height are the native sensor dimensions in pixels
	Width  int
	Height int

	// Format is the pixel encoding of delivered frames
	Format PixelFormat

	// Folder is the initial FileNameGenerationDirectory
	Folder string

	// NoCamera simulates an experiment without a camera attached
	NoCamera bool

	// FrameInterval is the delay between simulated frames
	FrameInterval time.Duration
}

// Mock is an in-memory LightField experiment with a single camera
type Mock struct {
	sync.Mutex

	cfg      MockConfig
	settings map[Setting]interface{}
	regions  []Region
	ready    bool
	closed   bool
	stop     chan struct{}
	events   chan Event
	counter  int
}

// NewMock creates a new simulated experiment.  Zero values in cfg are
// replaced with a 512x512 uint16 sensor and a 10ms frame interval.
func NewMock(cfg MockConfig) *Mock {
	if cfg.Width == 0 {
		cfg.Width = 512
	}
	if cfg.Height == 0 {
		cfg.Height = 512
	}
	if cfg.Format == 0 {
		cfg.Format = Uint16
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = 10 * time.Millisecond
	}
	m := &Mock{
		cfg:    cfg,
		ready:  true,
		events: make(chan Event, 64),
		settings: map[Setting]interface{}{
			SensorTemperatureReading:                 -60.,
			SensorTemperatureSetPoint:                -60.,
			SensorTemperatureStatus:                  2,
			ShutterTimingMode:                        1,
			ShutterTimingClosingDelay:                0.,
			ShutterTimingExposureTime:                100.,
			ReadoutControlPortsUsed:                  1,
			AdcSpeed:                                 2.,
			AcquisitionFramesToStore:                 1,
			FileNameGenerationDirectory:              cfg.Folder,
			FileNameGenerationBaseFileName:           "data",
			FileNameGenerationIncrementNumber:        1,
			FileNameGenerationIncrementMinimumDigits: 4,
			FileNameGenerationAttachDate:             true,
			FileNameGenerationAttachTime:             true,
			FileNameGenerationAttachIncrement:        false,
			FileNameGenerationExampleFileName:        "",
			OrientationCorrectionEnabled:             false,
			OrientationCorrectionFlipHorizontally:    false,
			OrientationCorrectionFlipVertically:      false,
			OrientationCorrectionRotateClockwise:     0,
		},
	}
	m.regions = []Region{{Width: cfg.Width, Height: cfg.Height, XBinning: 1, YBinning: 1}}
	return m
}

// Remove deletes a setting, as if the connected camera did not support it
func (m *Mock) Remove(s Setting) {
	m.Lock()
	defer m.Unlock()
	delete(m.settings, s)
}

// Exists reports if the setting is present
func (m *Mock) Exists(s Setting) bool {
	m.Lock()
	defer m.Unlock()
	_, ok := m.settings[s]
	return ok
}

// GetValue reads a setting
func (m *Mock) GetValue(s Setting) (interface{}, error) {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if s == FileNameGenerationExampleFileName {
		return m.exampleFileName(), nil
	}
	v, ok := m.settings[s]
	if !ok {
		return nil, ErrUnknownSetting
	}
	return v, nil
}

// SetValue writes a setting if it exists and is valid
func (m *Mock) SetValue(s Setting, v interface{}) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.settings[s]; !ok {
		return ErrUnknownSetting
	}
	if !m.isValid(s, v) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, s, v)
	}
	m.settings[s] = v
	return nil
}

// IsValid reports if the experiment would accept v for s
func (m *Mock) IsValid(s Setting, v interface{}) bool {
	m.Lock()
	defer m.Unlock()
	return m.isValid(s, v)
}

func (m *Mock) isValid(s Setting, v interface{}) bool {
	cur, ok := m.settings[s]
	if !ok {
		return false
	}
	switch cur.(type) {
	case int:
		i, ok := v.(int)
		if !ok {
			return false
		}
		switch s {
		case SensorTemperatureStatus:
			return i == 1 || i == 2
		case ShutterTimingMode:
			return i >= 1 && i <= 3
		case ReadoutControlPortsUsed:
			return i == 1 || i == 2 || i == 4
		case AcquisitionFramesToStore:
			return i >= 1
		case FileNameGenerationIncrementNumber:
			return i >= 0
		case FileNameGenerationIncrementMinimumDigits:
			return i >= 1 && i <= 10
		case OrientationCorrectionRotateClockwise:
			return i >= 0 && i <= 3
		}
		return true
	case float64:
		f, ok := v.(float64)
		if !ok || math.IsNaN(f) {
			return false
		}
		switch s {
		case SensorTemperatureSetPoint:
			return f >= -100 && f <= 30
		case ShutterTimingExposureTime, ShutterTimingClosingDelay:
			return f >= 0
		case AdcSpeed:
			return f == 0.1 || f == 1 || f == 2 || f == 4
		}
		return true
	case bool:
		_, ok := v.(bool)
		return ok
	case string:
		_, ok := v.(string)
		return ok
	}
	return false
}

// exampleFileName mimics FileNameGenerationExampleFileName.  Caller holds the lock.
func (m *Mock) exampleFileName() string {
	name, _ := m.settings[FileNameGenerationBaseFileName].(string)
	if b, _ := m.settings[FileNameGenerationAttachDate].(bool); b {
		name += " " + time.Now().Format("2006 January 02")
	}
	if b, _ := m.settings[FileNameGenerationAttachTime].(bool); b {
		name += " " + time.Now().Format("15_04_05")
	}
	if b, _ := m.settings[FileNameGenerationAttachIncrement].(bool); b {
		idx, _ := m.settings[FileNameGenerationIncrementNumber].(int)
		digits, _ := m.settings[FileNameGenerationIncrementMinimumDigits].(int)
		name += fmt.Sprintf("-%0*d", digits, idx)
	}
	return name
}

// IsReadyToRun reports if the experiment is idle
func (m *Mock) IsReadyToRun() bool {
	m.Lock()
	defer m.Unlock()
	return m.ready && !m.closed
}

// Devices lists a camera unless the mock was configured without one
func (m *Mock) Devices() []DeviceType {
	if m.cfg.NoCamera {
		return []DeviceType{}
	}
	return []DeviceType{DeviceCamera}
}

// Acquire runs AcquisitionFramesToStore frames and writes the example file name to Folder
func (m *Mock) Acquire() error {
	return m.start(true)
}

// Preview runs frames until Stop is called
func (m *Mock) Preview() error {
	return m.start(false)
}

func (m *Mock) start(save bool) error {
	m.Lock()
	defer m.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.ready {
		return ErrNotReadyToRun
	}
	m.ready = false
	m.stop = make(chan struct{})
	n, _ := m.settings[AcquisitionFramesToStore].(int)
	if !save {
		n = -1
	}
	go m.run(n, save, m.stop)
	return nil
}

// Stop stops a running acquisition or preview.  It is a no-op when idle.
func (m *Mock) Stop() error {
	m.Lock()
	defer m.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	return nil
}

func (m *Mock) run(n int, save bool, stop chan struct{}) {
	m.emit(AcquisitionStarted{})
	ticker := time.NewTicker(m.cfg.FrameInterval)
	defer ticker.Stop()
loop:
	for i := 0; n < 0 || i < n; i++ {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			m.emit(FrameReady{Frames: 1, Frame: m.synthesize()})
		}
	}
	m.Lock()
	if save {
		m.writeFile()
	}
	m.ready = true
	if m.stop == stop {
		m.stop = nil
	}
	m.Unlock()
	m.emit(AcquisitionCompleted{})
}

// writeFile touches the data file the way LightField would.  Caller holds the lock.
func (m *Mock) writeFile() {
	folder, _ := m.settings[FileNameGenerationDirectory].(string)
	if folder == "" {
		return
	}
	fn := filepath.Join(folder, m.exampleFileName()+FileExtension)
	if f, err := os.Create(fn); err == nil {
		f.Close()
	}
	if b, _ := m.settings[FileNameGenerationAttachIncrement].(bool); b {
		idx, _ := m.settings[FileNameGenerationIncrementNumber].(int)
		m.settings[FileNameGenerationIncrementNumber] = idx + 1
	}
}

// emit delivers ev.  Frames are dropped when the consumer is not keeping up,
// as LightField drops display updates too; lifecycle notifications wait.
func (m *Mock) emit(ev Event) {
	if _, ok := ev.(FrameReady); ok {
		select {
		case m.events <- ev:
		default:
		}
		return
	}
	m.events <- ev
}

// synthesize makes a frame for the current region, in readout order
func (m *Mock) synthesize() Frame {
	m.Lock()
	r := m.regions[0]
	m.counter++
	offset := m.counter
	m.Unlock()
	w, h := r.Width/r.XBinning, r.Height/r.YBinning
	return NewFrame(m.cfg.Format, w, h, func(x, y int) float64 {
		return float64(offset + x + y)
	})
}

// SensorShape returns the configured (height, width)
func (m *Mock) SensorShape() (int, int, error) {
	return m.cfg.Height, m.cfg.Width, nil
}

// SelectedRegions returns a copy of the active regions
func (m *Mock) SelectedRegions() ([]Region, error) {
	m.Lock()
	defer m.Unlock()
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out, nil
}

// SetCustomRegions replaces the active regions
func (m *Mock) SetCustomRegions(rs []Region) error {
	if len(rs) == 0 {
		return fmt.Errorf("%w: no regions", ErrInvalidValue)
	}
	m.Lock()
	defer m.Unlock()
	if !m.ready {
		return ErrNotReadyToRun
	}
	m.regions = append([]Region(nil), rs...)
	return nil
}

// SetBinnedSensorRegion selects the full sensor with n x n binning
func (m *Mock) SetBinnedSensorRegion(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: binning %d", ErrInvalidValue, n)
	}
	m.Lock()
	defer m.Unlock()
	if !m.ready {
		return ErrNotReadyToRun
	}
	m.regions = []Region{{Width: m.cfg.Width, Height: m.cfg.Height, XBinning: n, YBinning: n}}
	return nil
}

// Events returns the notification channel
func (m *Mock) Events() <-chan Event {
	return m.events
}

// Close simulates the user closing the application
func (m *Mock) Close() error {
	m.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.closed = true
	m.Unlock()
	go m.emit(ApplicationClosed{})
	return nil
}

type memFrame struct {
	format PixelFormat
	width  int
	height int
	buf    []byte
}

func (f *memFrame) Format() PixelFormat { return f.format }
func (f *memFrame) Width() int          { return f.width }
func (f *memFrame) Height() int         { return f.height }

func (f *memFrame) WithData(fn func([]byte) error) error {
	return fn(f.buf)
}

// NewFrame builds an engine-owned frame of the given format and size.
// pixel(x, y) supplies the value of column x, row y; the buffer is laid out in
// sensor readout order, index x*height + y, little-endian.
func NewFrame(format PixelFormat, width, height int, pixel func(x, y int) float64) Frame {
	bpp := format.BytesPerPixel()
	buf := make([]byte, width*height*bpp)
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			off := (x*height + y) * bpp
			v := pixel(x, y)
			switch format {
			case Uint16:
				binary.LittleEndian.PutUint16(buf[off:], uint16(v))
			case Uint32:
				binary.LittleEndian.PutUint32(buf[off:], uint32(v))
			case Float32:
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(float32(v)))
			}
		}
	}
	return &memFrame{format: format, width: width, height: height, buf: buf}
}

// NewRawFrame wraps a raw buffer as a frame without checking its length
func NewRawFrame(format PixelFormat, width, height int, raw []byte) Frame {
	return &memFrame{format: format, width: width, height: height, buf: raw}
}
