package binding

import "github.com/mbi-berlin/lightfield-http/lightfield"

// LightField is the default attribute table for a LightField camera experiment
var LightField = []Declaration{
	// camera
	{Name: "temp_read", Key: lightfield.SensorTemperatureReading, Access: Read, Kind: Float,
		Label: "sensor temperature", Unit: "degC"},
	{Name: "temp_set", Key: lightfield.SensorTemperatureSetPoint, Access: ReadWrite, Kind: Float,
		Label: "temperature setpoint", Unit: "degC", Bounds: &Bounds{Min: -100, Max: 30}},
	{Name: "temp_status", Key: lightfield.SensorTemperatureStatus, Access: Read, Kind: Enum,
		Label: "temperature locked", Labels: []string{"undefined", "unlocked", "locked"}},
	{Name: "shutter_mode", Key: lightfield.ShutterTimingMode, Access: ReadWrite, Kind: Enum,
		Label: "shutter mode", Labels: []string{"undefined", "normal", "open", "closed"}},
	{Name: "shutter_close", Key: lightfield.ShutterTimingClosingDelay, Access: ReadWrite, Kind: Float,
		Label: "shutter closing time", Unit: "ms", Bounds: &Bounds{Min: 0, Max: 1e6}},
	{Name: "exposure", Key: lightfield.ShutterTimingExposureTime, Access: ReadWrite, Kind: Float,
		Label: "exposure time", Unit: "ms", Bounds: &Bounds{Min: 0, Max: 1e8}},
	{Name: "n_ports", Key: lightfield.ReadoutControlPortsUsed, Access: ReadWrite, Kind: Int,
		Label: "readout ports"},
	{Name: "adc_speed", Key: lightfield.AdcSpeed, Access: ReadWrite, Kind: Float,
		Label: "ADC speed", Unit: "MHz"},

	// experiment
	{Name: "n_frames", Key: lightfield.AcquisitionFramesToStore, Access: ReadWrite, Kind: Int,
		Label: "number of acquisitions", Bounds: &Bounds{Min: 1, Max: 1e6}},
	{Name: "save_folder", Key: lightfield.FileNameGenerationDirectory, Access: ReadWrite, Kind: String,
		Label: "data folder"},
	{Name: "save_base", Key: lightfield.FileNameGenerationBaseFileName, Access: ReadWrite, Kind: String,
		Label: "base name"},
	{Name: "save_index", Key: lightfield.FileNameGenerationIncrementNumber, Access: ReadWrite, Kind: Int,
		Label: "file index", Bounds: &Bounds{Min: 0, Max: 1e9}},
	{Name: "save_digits", Key: lightfield.FileNameGenerationIncrementMinimumDigits, Access: ReadWrite, Kind: Int,
		Label: "index length", Bounds: &Bounds{Min: 1, Max: 10}},
	{Name: "orient_on", Key: lightfield.OrientationCorrectionEnabled, Access: ReadWrite, Kind: Bool,
		Label: "apply image orientation"},
	{Name: "orient_hor", Key: lightfield.OrientationCorrectionFlipHorizontally, Access: ReadWrite, Kind: Bool,
		Label: "flip horizontally"},
	{Name: "orient_ver", Key: lightfield.OrientationCorrectionFlipVertically, Access: ReadWrite, Kind: Bool,
		Label: "flip vertically"},
	{Name: "orient_rot", Key: lightfield.OrientationCorrectionRotateClockwise, Access: ReadWrite, Kind: Enum,
		Label: "rotate clockwise", Labels: []string{"none", "90", "180", "270"}},
}
