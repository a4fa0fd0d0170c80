/*Package device is the LightField camera as seen by clients of this server.

A Device owns the status machine, the acquisition mode, the frame accumulator
and the most recent image.  Engine notifications are fed to Handle (usually by
Run); commands arrive through Acquire, Preview, Stop, SetROI and SetBinning; and
attributes are read and written through the binding table.  Every state change
is published to a Publisher after the device lock has been released.
*/
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mbi-berlin/lightfield-http/binding"
	"github.com/mbi-berlin/lightfield-http/frame"
	"github.com/mbi-berlin/lightfield-http/lightfield"
	"go.uber.org/zap"
)

var (
	// ErrDeviceBusy is generated by commands which are refused while an acquisition is running
	ErrDeviceBusy = binding.ErrDeviceBusy

	// ErrNotReady is generated when an acquisition cannot be started
	ErrNotReady = errors.New("device not ready to run")

	// ErrNoCameraDetected is generated by Init when the experiment has no camera
	ErrNoCameraDetected = errors.New("no camera detected")

	// ErrNoFreeFileName is generated when the file index could not be advanced to an unused name
	ErrNoFreeFileName = errors.New("no free file name")

	errNameTaken = errors.New("file name taken")
)

// InvalidRegionError is generated for malformed ROI and binning requests
type InvalidRegionError struct {
	Values []int
	Reason string
}

func (e *InvalidRegionError) Error() string {
	return fmt.Sprintf("invalid region %v: %s", e.Values, e.Reason)
}

// Config holds the tunables of a Device
type Config struct {
	// Orientation is applied to every decoded frame
	Orientation frame.Orientation

	// MaxWidth and MaxHeight bound the size of a published image
	MaxWidth  int
	MaxHeight int

	// FreeNameRetries bounds how many times the file index is advanced before acquiring
	FreeNameRetries uint64

	// FreeNameInterval is the pause between checks for a free file name
	FreeNameInterval time.Duration
}

// DefaultConfig returns the configuration used for zero fields of Config
func DefaultConfig() Config {
	return Config{
		Orientation:     frame.Transpose,
		MaxWidth:        2048,
		MaxHeight:       2048,
		FreeNameRetries: 1000,
	}
}

// Device adapts a LightField engine
type Device struct {
	engine lightfield.Engine
	table  *binding.Table
	pub    Publisher
	cfg    Config
	log    *zap.Logger

	// cmd serializes commands, so a start is checked and issued as one step
	cmd sync.Mutex

	// mu guards the fields below
	mu       sync.Mutex
	status   Status
	mode     Mode
	acc      frame.Accumulator
	current  Snapshot
	hasImage bool
}

// New creates a Device in the Initializing state and binds decls to the engine.
// pub may be nil.
func New(engine lightfield.Engine, decls []binding.Declaration, pub Publisher, cfg Config, logger *zap.Logger) (*Device, error) {
	def := DefaultConfig()
	if cfg.MaxWidth == 0 {
		cfg.MaxWidth = def.MaxWidth
	}
	if cfg.MaxHeight == 0 {
		cfg.MaxHeight = def.MaxHeight
	}
	if cfg.FreeNameRetries == 0 {
		cfg.FreeNameRetries = def.FreeNameRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	d := &Device{engine: engine, pub: pub, cfg: cfg, log: logger}
	table, err := binding.Build(engine, decls, d.running, logger.Named("binding"))
	if err != nil {
		return nil, err
	}
	d.table = table
	statusMetric.Set(float64(Initializing))
	return d, nil
}

// Table returns the attribute bindings of the device
func (d *Device) Table() *binding.Table {
	return d.table
}

// Status returns the current status
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) running() bool {
	return d.Status() == Running
}

// Image returns the most recent image.  ok is false until the first frame arrives.
func (d *Device) Image() (s Snapshot, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, d.hasImage
}

// Init checks for a camera and prepares file naming.  Without a camera the
// device goes to Fault.
func (d *Device) Init() error {
	camera := false
	for _, dev := range d.engine.Devices() {
		if dev == lightfield.DeviceCamera {
			camera = true
			break
		}
	}
	if !camera {
		d.log.Error("experiment has no camera, device is faulted")
		d.setStatus(Fault, func(Status) bool { return true })
		return ErrNoCameraDetected
	}
	// LightField must append an index, not a timestamp, for the free name check to work
	setup := []struct {
		key lightfield.Setting
		val bool
	}{
		{lightfield.FileNameGenerationAttachDate, false},
		{lightfield.FileNameGenerationAttachTime, false},
		{lightfield.FileNameGenerationAttachIncrement, true},
	}
	for _, s := range setup {
		if !d.engine.Exists(s.key) {
			continue
		}
		if err := d.engine.SetValue(s.key, s.val); err != nil {
			d.log.Warn("file name setup failed", zap.String("setting", string(s.key)), zap.Error(err))
		}
	}
	d.setStatus(Ready, func(s Status) bool { return s == Initializing })
	return nil
}

// setStatus moves to next if the current status is not terminal and allowed
// returns true.  The change is published after the lock is released.
func (d *Device) setStatus(next Status, allowed func(Status) bool) bool {
	d.mu.Lock()
	prev := d.status
	if prev.Terminal() || prev == next || !allowed(prev) {
		d.mu.Unlock()
		return false
	}
	d.status = next
	d.mu.Unlock()

	statusMetric.Set(float64(next))
	d.log.Info("status changed", zap.Stringer("from", prev), zap.Stringer("to", next))
	d.pub.PublishStatus(next)
	return true
}

// Run feeds engine events to Handle until ctx is done or the event channel closes
func (d *Device) Run(ctx context.Context) error {
	events := d.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Handle(ev)
		}
	}
}

// Handle processes one engine notification
func (d *Device) Handle(ev lightfield.Event) {
	switch ev := ev.(type) {
	case lightfield.AcquisitionStarted:
		if !d.setStatus(Running, func(s Status) bool { return s == Ready }) {
			d.log.Debug("acquisition started notification ignored", zap.Stringer("status", d.Status()))
		}
	case lightfield.AcquisitionCompleted:
		if !d.setStatus(Ready, func(s Status) bool { return s == Running }) {
			d.log.Debug("acquisition completed notification ignored", zap.Stringer("status", d.Status()))
		}
	case lightfield.ApplicationClosed:
		d.setStatus(Offline, func(Status) bool { return true })
	case lightfield.FrameReady:
		d.handleFrame(ev)
	default:
		d.log.Warn("unknown engine notification", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (d *Device) handleFrame(ev lightfield.FrameReady) {
	if ev.Frames == 0 || ev.Frame == nil {
		framesMetric.WithLabelValues("empty").Inc()
		d.log.Info("frame notification without frames discarded")
		return
	}
	f := ev.Frame
	if f.Width() > d.cfg.MaxWidth || f.Height() > d.cfg.MaxHeight {
		framesMetric.WithLabelValues("oversize").Inc()
		d.log.Error("frame exceeds the maximum image size, dropped",
			zap.Int("width", f.Width()), zap.Int("height", f.Height()),
			zap.Int("maxWidth", d.cfg.MaxWidth), zap.Int("maxHeight", d.cfg.MaxHeight))
		return
	}
	img, err := frame.FromFrame(f, d.cfg.Orientation)
	if err != nil {
		framesMetric.WithLabelValues("invalid").Inc()
		d.log.Error("frame could not be decoded, dropped", zap.Error(err))
		return
	}

	d.mu.Lock()
	if d.status.Terminal() {
		d.mu.Unlock()
		framesMetric.WithLabelValues("ignored").Inc()
		return
	}
	snap := Snapshot{Mode: d.mode, Time: time.Now()}
	if d.mode == Accumulate {
		snap.Image = d.acc.Accumulate(img)
		snap.Count = d.acc.Count()
	} else {
		snap.Image = img
		snap.Count = 1
	}
	d.current = snap
	d.hasImage = true
	d.mu.Unlock()

	framesMetric.WithLabelValues("published").Inc()
	d.pub.PublishImage(snap)
}

// Acquire starts an acquisition that LightField saves to disk.  Frames are
// averaged until the acquisition completes.
func (d *Device) Acquire(ctx context.Context) error {
	return d.start(ctx, Accumulate, d.engine.Acquire)
}

// Preview starts a continuous acquisition; every frame is published as is
func (d *Device) Preview(ctx context.Context) error {
	return d.start(ctx, Preview, d.engine.Preview)
}

func (d *Device) start(ctx context.Context, mode Mode, run func() error) error {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	if d.Status() != Ready || !d.engine.IsReadyToRun() {
		return ErrNotReady
	}
	if err := d.ensureFreeName(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	prev := d.mode
	d.mode = mode
	if mode == Accumulate {
		d.acc.Reset()
	}
	d.mu.Unlock()
	if err := run(); err != nil {
		d.mu.Lock()
		d.mode = prev
		d.mu.Unlock()
		if errors.Is(err, lightfield.ErrNotReadyToRun) {
			return ErrNotReady
		}
		return err
	}
	startsMetric.WithLabelValues(mode.String()).Inc()
	d.log.Info("acquisition requested", zap.Stringer("mode", mode))
	return nil
}

// Stop stops a running acquisition or preview
func (d *Device) Stop() error {
	return d.engine.Stop()
}

// ensureFreeName advances the file index until LightField's next file name is
// not taken, so that no data is overwritten
func (d *Device) ensureFreeName(ctx context.Context) error {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.FreeNameInterval), d.cfg.FreeNameRetries), ctx)
	err := backoff.Retry(func() error {
		dir, err := d.stringSetting(lightfield.FileNameGenerationDirectory)
		if err != nil {
			return backoff.Permanent(err)
		}
		if dir == "" {
			return nil
		}
		name, err := d.stringSetting(lightfield.FileNameGenerationExampleFileName)
		if err != nil {
			return backoff.Permanent(err)
		}
		fn := filepath.Join(dir, name+lightfield.FileExtension)
		_, err = os.Stat(fn)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		v, err := d.engine.GetValue(lightfield.FileNameGenerationIncrementNumber)
		if err != nil {
			return backoff.Permanent(err)
		}
		idx, ok := v.(int)
		if !ok {
			return backoff.Permanent(fmt.Errorf("file index has type %T", v))
		}
		if err = d.engine.SetValue(lightfield.FileNameGenerationIncrementNumber, idx+1); err != nil {
			return backoff.Permanent(err)
		}
		freeNameMetric.Inc()
		d.log.Info("file exists, index advanced", zap.String("file", fn), zap.Int("index", idx+1))
		return errNameTaken
	}, b)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, errNameTaken) {
		return ErrNoFreeFileName
	}
	return err
}

func (d *Device) stringSetting(key lightfield.Setting) (string, error) {
	v, err := d.engine.GetValue(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s has type %T", key, v)
	}
	return s, nil
}

// SetROI selects a single region [x0, x1, y0, y1] or [x0, x1, y0, y1, binning].
// x1 and y1 are exclusive.
func (d *Device) SetROI(vals []int) (bool, error) {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	if d.running() {
		return false, ErrDeviceBusy
	}
	if len(vals) != 4 && len(vals) != 5 {
		return false, &InvalidRegionError{Values: vals, Reason: "expected 4 or 5 values"}
	}
	bin := 1
	if len(vals) == 5 {
		bin = vals[4]
	}
	x0, x1, y0, y1 := vals[0], vals[1], vals[2], vals[3]
	switch {
	case x0 < 0 || y0 < 0:
		return false, &InvalidRegionError{Values: vals, Reason: "negative origin"}
	case x1 <= x0 || y1 <= y0:
		return false, &InvalidRegionError{Values: vals, Reason: "empty region"}
	case bin < 1:
		return false, &InvalidRegionError{Values: vals, Reason: "binning must be at least 1"}
	}
	shape, err := d.ChipShape()
	if err != nil {
		return false, err
	}
	if y1 > shape[0] || x1 > shape[1] {
		return false, &InvalidRegionError{Values: vals, Reason: fmt.Sprintf("exceeds the %dx%d sensor", shape[1], shape[0])}
	}
	r := lightfield.Region{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0, XBinning: bin, YBinning: bin}
	if err = d.engine.SetCustomRegions([]lightfield.Region{r}); err != nil {
		return false, busy(err)
	}
	d.log.Info("region set", zap.Any("region", r))
	return true, nil
}

// SetBinning selects the full sensor with n x n binning
func (d *Device) SetBinning(n int) error {
	d.cmd.Lock()
	defer d.cmd.Unlock()
	if d.running() {
		return ErrDeviceBusy
	}
	if n < 1 {
		return &InvalidRegionError{Values: []int{n}, Reason: "binning must be at least 1"}
	}
	if err := d.engine.SetBinnedSensorRegion(n); err != nil {
		return busy(err)
	}
	d.log.Info("binning set", zap.Int("binning", n))
	return nil
}

// busy reports an engine that is still starting or finishing a run as ErrDeviceBusy
func busy(err error) error {
	if errors.Is(err, lightfield.ErrNotReadyToRun) {
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}
	return err
}

// ROISizes returns x, y, width, height, x binning and y binning of every selected region, flattened
func (d *Device) ROISizes() ([]int, error) {
	regions, err := d.engine.SelectedRegions()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, 6*len(regions))
	for _, r := range regions {
		out = append(out, r.X, r.Y, r.Width, r.Height, r.XBinning, r.YBinning)
	}
	return out, nil
}

// ChipShape returns the native (height, width) of the sensor
func (d *Device) ChipShape() ([2]int, error) {
	h, w, err := d.engine.SensorShape()
	if err != nil {
		return [2]int{}, err
	}
	return [2]int{h, w}, nil
}
