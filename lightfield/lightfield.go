/*Package lightfield describes the boundary to a Princeton Instruments LightField
automation engine.

LightField owns the camera, the experiment (acquisition sequencing, file
writing, ROI and binning programming) and the live display.  This package does
not talk to the .NET automation assembly itself; it declares the small set of
capabilities the rest of the server needs from it (Settings, Acquirer,
RegionManager, Notifier, bundled as Engine) together with the data that crosses
the boundary: setting keys, pixel formats, frames, regions and notifications.

Mock is an in-memory engine which behaves like a LightField experiment with one
camera attached.  It is used by the tests and by the server when configured
with Mock: true.
*/
package lightfield

import (
	"errors"
	"fmt"
)

// Setting is an opaque LightField setting identifier, e.g.
// CameraSettings.ShutterTimingExposureTime
type Setting string

// camera settings
const (
	SensorTemperatureReading  Setting = "CameraSettings.SensorTemperatureReading"
	SensorTemperatureSetPoint Setting = "CameraSettings.SensorTemperatureSetPoint"
	SensorTemperatureStatus   Setting = "CameraSettings.SensorTemperatureStatus"
	ShutterTimingMode         Setting = "CameraSettings.ShutterTimingMode"
	ShutterTimingClosingDelay Setting = "CameraSettings.ShutterTimingClosingDelay"
	ShutterTimingExposureTime Setting = "CameraSettings.ShutterTimingExposureTime"
	ReadoutControlPortsUsed   Setting = "CameraSettings.ReadoutControlPortsUsed"
	AdcSpeed                  Setting = "CameraSettings.AdcSpeed"
)

// experiment settings
const (
	AcquisitionFramesToStore                 Setting = "ExperimentSettings.AcquisitionFramesToStore"
	FileNameGenerationDirectory              Setting = "ExperimentSettings.FileNameGenerationDirectory"
	FileNameGenerationBaseFileName           Setting = "ExperimentSettings.FileNameGenerationBaseFileName"
	FileNameGenerationIncrementNumber        Setting = "ExperimentSettings.FileNameGenerationIncrementNumber"
	FileNameGenerationIncrementMinimumDigits Setting = "ExperimentSettings.FileNameGenerationIncrementMinimumDigits"
	FileNameGenerationAttachDate             Setting = "ExperimentSettings.FileNameGenerationAttachDate"
	FileNameGenerationAttachTime             Setting = "ExperimentSettings.FileNameGenerationAttachTime"
	FileNameGenerationAttachIncrement        Setting = "ExperimentSettings.FileNameGenerationAttachIncrement"
	FileNameGenerationExampleFileName        Setting = "ExperimentSettings.FileNameGenerationExampleFileName"
	OrientationCorrectionEnabled             Setting = "ExperimentSettings.OnlineCorrectionsOrientationCorrectionEnabled"
	OrientationCorrectionFlipHorizontally    Setting = "ExperimentSettings.OnlineCorrectionsOrientationCorrectionFlipHorizontally"
	OrientationCorrectionFlipVertically      Setting = "ExperimentSettings.OnlineCorrectionsOrientationCorrectionFlipVertically"
	OrientationCorrectionRotateClockwise     Setting = "ExperimentSettings.OnlineCorrectionsOrientationCorrectionRotateClockwise"
)

// FileExtension is the extension LightField appends to the example file name
// when it writes data
const FileExtension = ".spe"

// DeviceType is the kind of a device attached to an experiment
type DeviceType int

const (
	// DeviceCamera is a camera
	DeviceCamera DeviceType = iota + 1

	// DeviceSpectrometer is a spectrometer
	DeviceSpectrometer
)

// PixelFormat is the encoding of the pixels in a frame buffer
type PixelFormat int

const (
	// Uint16 is ImageDataFormat.MonochromeUnsigned16
	Uint16 PixelFormat = iota + 1

	// Uint32 is ImageDataFormat.MonochromeUnsigned32
	Uint32

	// Float32 is ImageDataFormat.MonochromeFloating32
	Float32
)

// String satisfies fmt.Stringer
func (f PixelFormat) String() string {
	switch f {
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// BytesPerPixel is the element width of the format, 0 for unknown formats
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case Uint16:
		return 2
	case Uint32, Float32:
		return 4
	}
	return 0
}

// Region is a rectangular sensor region, optionally binned.  It mirrors
// LightField's RegionOfInterest(x, y, width, height, xBinning, yBinning)
type Region struct {
	X        int `json:"x"`
	Y        int `json:"y"`
	Width    int `json:"width"`
	Height   int `json:"height"`
	XBinning int `json:"xBinning"`
	YBinning int `json:"yBinning"`
}

// Frame is one image delivered by the engine.  The pixel memory belongs to the
// engine; WithData lends it to fn and the slice must not be used after fn
// returns.
type Frame interface {
	Format() PixelFormat
	Width() int
	Height() int
	WithData(fn func(raw []byte) error) error
}

// Event is a notification from the engine.  The concrete types are
// FrameReady, AcquisitionStarted, AcquisitionCompleted and ApplicationClosed.
type Event interface {
	event()
}

// FrameReady is sent when a new image data set is available
type FrameReady struct {
	// Frames is the number of frames in the data set
	Frames int

	// Frame is the first frame of the set, nil when Frames is zero
	Frame Frame
}

// AcquisitionStarted is sent when the experiment begins to run
type AcquisitionStarted struct{}

// AcquisitionCompleted is sent when the experiment is ready to run again
type AcquisitionCompleted struct{}

// ApplicationClosed is sent when the LightField application exits
type ApplicationClosed struct{}

func (FrameReady) event()           {}
func (AcquisitionStarted) event()   {}
func (AcquisitionCompleted) event() {}
func (ApplicationClosed) event()    {}

// Settings reads and writes experiment settings
type Settings interface {
	// Exists reports if the setting is present on the current experiment
	Exists(Setting) bool

	// GetValue reads a setting
	GetValue(Setting) (interface{}, error)

	// SetValue writes a setting
	SetValue(Setting, interface{}) error

	// IsValid reports if the engine would accept the value for the setting
	IsValid(Setting, interface{}) bool
}

// Acquirer runs the experiment
type Acquirer interface {
	// IsReadyToRun reports if the experiment can be started
	IsReadyToRun() bool

	// Devices lists the types of the devices attached to the experiment
	Devices() []DeviceType

	// Acquire starts an acquisition which is saved to disk
	Acquire() error

	// Preview starts a continuous acquisition which is not saved
	Preview() error

	// Stop stops an acquisition or preview
	Stop() error
}

// RegionManager programs the sensor readout
type RegionManager interface {
	// SensorShape is the native (height, width) of the sensor
	SensorShape() (int, int, error)

	// SelectedRegions returns the active regions
	SelectedRegions() ([]Region, error)

	// SetCustomRegions replaces the active regions
	SetCustomRegions([]Region) error

	// SetBinnedSensorRegion selects the full sensor with n x n binning
	SetBinnedSensorRegion(n int) error
}

// Notifier delivers engine events.  The channel has a single consumer.
type Notifier interface {
	Events() <-chan Event
}

// Engine is everything the server needs from LightField
type Engine interface {
	Settings
	Acquirer
	RegionManager
	Notifier
}

var (
	// ErrUnknownSetting is generated when a setting does not exist on the experiment
	ErrUnknownSetting = errors.New("lightfield: setting does not exist on the experiment")

	// ErrInvalidValue is generated by SetValue when the engine rejects a value
	ErrInvalidValue = errors.New("lightfield: value rejected by the experiment")

	// ErrNotReadyToRun is generated when Acquire or Preview is called while the experiment is busy
	ErrNotReadyToRun = errors.New("lightfield: experiment is not ready to run")

	// ErrClosed is generated after the application has closed
	ErrClosed = errors.New("lightfield: application closed")
)
