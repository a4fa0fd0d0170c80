package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mbi-berlin/lightfield-http/binding"
	"github.com/mbi-berlin/lightfield-http/device"
	"github.com/mbi-berlin/lightfield-http/envsrv"
	"github.com/mbi-berlin/lightfield-http/frame"
	"github.com/mbi-berlin/lightfield-http/generichttp"
	"github.com/mbi-berlin/lightfield-http/imgrec"
	"github.com/mbi-berlin/lightfield-http/lightfield"
	"github.com/mbi-berlin/lightfield-http/publish"
	"github.com/mbi-berlin/lightfield-http/server/middleware/locker"
	"github.com/mbi-berlin/lightfield-http/watcher"
)

// ErrNoEngine is returned by Build when a real LightField engine is requested
var ErrNoEngine = errors.New("no LightField automation engine is linked into this build; set Mock: true to run the simulated camera")

// MockSetup configures the simulated camera
type MockSetup struct {
	// Width and Height are the sensor size in pixels
	Width  int `yaml:"Width"`
	Height int `yaml:"Height"`

	// Folder is where the simulated experiment saves its data files
	Folder string `yaml:"Folder"`

	// FrameInterval is the delay between simulated frames
	FrameInterval time.Duration `yaml:"FrameInterval"`
}

// StreamSetup configures the MJPEG live view
type StreamSetup struct {
	MaxWidth int `yaml:"MaxWidth"`
	Quality  int `yaml:"Quality"`
}

// RecorderSetup configures the FITS recorder
type RecorderSetup struct {
	Root    string `yaml:"Root"`
	Prefix  string `yaml:"Prefix"`
	Enabled bool   `yaml:"Enabled"`
}

// TemperatureSetup configures the sensor temperature monitor
type TemperatureSetup struct {
	Interval time.Duration `yaml:"Interval"`
	History  int           `yaml:"History"`
}

// Config is a struct that holds the initialization parameters of the server.
// It is populated by koanf from defaults, the config file and the environment.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Root is the URL stem the camera is served under
	Root string `yaml:"Root"`

	// Mock runs the simulated camera instead of LightField
	Mock bool `yaml:"Mock"`

	// Debug selects development logging
	Debug bool `yaml:"Debug"`

	// LogDir, if not empty, sends the log to rotated files in that folder instead of stderr
	LogDir string `yaml:"LogDir"`

	// LightFieldRoot is the LightField installation folder
	LightFieldRoot string `yaml:"LightFieldRoot"`

	// Orientation is how frame buffers are laid out: transpose, identity or rotate90
	Orientation string `yaml:"Orientation"`

	// MaxWidth and MaxHeight bound the size of published images
	MaxWidth  int `yaml:"MaxWidth"`
	MaxHeight int `yaml:"MaxHeight"`

	// FreeNameRetries bounds the search for an unused data file name
	FreeNameRetries uint64 `yaml:"FreeNameRetries"`

	// FreeNameInterval is the pause between free name checks
	FreeNameInterval time.Duration `yaml:"FreeNameInterval"`

	// AttributesFile, if not empty, replaces the built-in attribute table
	AttributesFile string `yaml:"AttributesFile"`

	Simulation  MockSetup          `yaml:"Simulation"`
	MQTT        publish.MQTTConfig `yaml:"MQTT"`
	Stream      StreamSetup        `yaml:"Stream"`
	Recorder    RecorderSetup      `yaml:"Recorder"`
	Temperature TemperatureSetup   `yaml:"Temperature"`
}

// DefaultConfig is the configuration before the file and environment are applied
func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		Root:            "/lightfield",
		Orientation:     frame.Transpose.String(),
		LightFieldRoot:  os.Getenv("LIGHTFIELD_ROOT"),
		MaxWidth:        2048,
		MaxHeight:       2048,
		FreeNameRetries: 1000,
		Simulation: MockSetup{
			Width:         512,
			Height:        512,
			Folder:        "data",
			FrameInterval: 100 * time.Millisecond,
		},
		MQTT: publish.MQTTConfig{
			Prefix:  "lightfield",
			MaxRate: 2,
			Timeout: 5 * time.Second,
		},
		Stream:      StreamSetup{MaxWidth: 640, Quality: 75},
		Recorder:    RecorderSetup{Root: "recordings", Prefix: "lf"},
		Temperature: TemperatureSetup{Interval: 5 * time.Second, History: 720},
	}
}

type lumberjackSink struct {
	*lumberjack.Logger
}

func (lumberjackSink) Sync() error {
	return nil
}

// NewLogger builds the process logger.  With a LogDir the output goes to
// lightfield-http.log in that folder, rotated by lumberjack.
func NewLogger(c Config) (*zap.Logger, error) {
	var config zap.Config
	if c.Debug {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}
	if c.LogDir != "" {
		if err := os.MkdirAll(c.LogDir, 0755); err != nil {
			return nil, err
		}
		logDir := c.LogDir
		err := zap.RegisterSink("lumberjack", func(u *url.URL) (zap.Sink, error) {
			logPart := strings.Split(u.String(), "/")
			return lumberjackSink{
				Logger: &lumberjack.Logger{
					Filename:   filepath.Join(logDir, logPart[len(logPart)-1]),
					MaxSize:    10,
					MaxBackups: 5,
				},
			}, nil
		})
		if err != nil {
			return nil, err
		}
		config.OutputPaths = []string{"lumberjack://lightfield-http.log"}
	}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	// Avoid stack traces below panic level
	return logger.WithOptions(zap.AddStacktrace(zap.DPanicLevel)), nil
}

// Server is the camera with everything that publishes and serves it
type Server struct {
	Device   *device.Device
	Env      *envsrv.Envmon
	Watcher  *watcher.Watcher
	MQTT     *publish.MQTT
	Stream   *publish.Stream
	Recorder *imgrec.Recorder
	Locker   *locker.Locker

	// Handler serves every route
	Handler http.Handler

	cfg Config
	log *zap.Logger
}

func newEngine(c Config) (lightfield.Engine, error) {
	if !c.Mock {
		if c.LightFieldRoot == "" {
			return nil, fmt.Errorf("LightFieldRoot is not set and LIGHTFIELD_ROOT is empty: %w", ErrNoEngine)
		}
		if _, err := os.Stat(c.LightFieldRoot); err != nil {
			return nil, fmt.Errorf("LightField installation: %v: %w", err, ErrNoEngine)
		}
		return nil, ErrNoEngine
	}
	if err := os.MkdirAll(c.Simulation.Folder, 0777); err != nil {
		return nil, err
	}
	return lightfield.NewMock(lightfield.MockConfig{
		Width:         c.Simulation.Width,
		Height:        c.Simulation.Height,
		Folder:        c.Simulation.Folder,
		FrameInterval: c.Simulation.FrameInterval,
	}), nil
}

// Build creates the device, its publishers and the HTTP routes, and initializes the device
func Build(c Config, logger *zap.Logger) (*Server, error) {
	orient, err := frame.ParseOrientation(c.Orientation)
	if err != nil {
		return nil, err
	}
	decls := binding.LightField
	if c.AttributesFile != "" {
		decls, err = binding.LoadYAML(c.AttributesFile)
		if err != nil {
			return nil, fmt.Errorf("attribute table %s: %w", c.AttributesFile, err)
		}
	}
	engine, err := newEngine(c)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: c, log: logger}
	s.MQTT = publish.NewMQTT(c.MQTT, logger.Named("mqtt"))
	s.Stream = publish.NewStream(c.Stream.MaxWidth, c.Stream.Quality, logger.Named("stream"))
	s.Recorder = imgrec.New(c.Recorder.Root, c.Recorder.Prefix, c.Recorder.Enabled, logger.Named("imgrec"))
	pub := publish.Multi{s.MQTT, s.Stream, s.Recorder}

	s.Device, err = device.New(engine, decls, pub, device.Config{
		Orientation:      orient,
		MaxWidth:         c.MaxWidth,
		MaxHeight:        c.MaxHeight,
		FreeNameRetries:  c.FreeNameRetries,
		FreeNameInterval: c.FreeNameInterval,
	}, logger.Named("device"))
	if err != nil {
		return nil, err
	}
	if err = s.Device.Init(); err != nil {
		// a faulted device still serves its state
		logger.Error("device initialization failed", zap.Error(err))
	}

	s.Env = envsrv.New(s.Device.Table(), c.Temperature.Interval, c.Temperature.History, logger.Named("envsrv"))
	if dir, err := engine.GetValue(lightfield.FileNameGenerationDirectory); err == nil {
		if dir, ok := dir.(string); ok && dir != "" {
			s.Watcher, err = watcher.New(dir, lightfield.FileExtension, logger.Named("watcher"))
			if err != nil {
				logger.Warn("save folder is not watched", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
	s.Handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	httper := device.NewHTTPWrapper(s.Device)
	imgrec.NewHTTPWrapper(s.Recorder).Inject(httper)
	s.Env.Inject(httper)
	if s.Watcher != nil {
		s.Watcher.Inject(httper)
		s.followSaveFolder(httper.RT())
	}
	httper.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/image/live"}] = s.Stream.ServeHTTP

	// writes are refused while an acquisition runs, except stopping it
	s.Locker = locker.New()
	s.Locker.DoNotProtect = append(s.Locker.DoNotProtect, "stop")
	s.Locker.Busy = func() bool { return s.Device.Status() == device.Running }
	locker.Inject(httper, s.Locker)

	stem := generichttp.SubMuxSanitize(s.cfg.Root)
	supergraph := map[string][]string{stem: httper.RT().Endpoints()}

	r := chi.NewRouter()
	r.Use(s.Locker.Check)
	httper.RT().Bind(r)
	root.Mount(stem, r)
	root.Handle("/metrics", promhttp.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		generichttp.RespondJSON(w, supergraph)
	})
	return root
}

// followSaveFolder moves the watch after every write of the save_folder attribute
func (s *Server) followSaveFolder(rt generichttp.RouteTable) {
	key := generichttp.MethodPath{Method: http.MethodPost, Path: "/attribute/{name}"}
	write := rt[key]
	rt[key] = func(w http.ResponseWriter, r *http.Request) {
		write(w, r)
		if chi.URLParam(r, "name") != "save_folder" {
			return
		}
		v, err := s.Device.Table().Read("save_folder")
		if err != nil {
			s.log.Warn("save folder could not be read", zap.Error(err))
			return
		}
		if dir, _ := v.(string); dir != "" {
			if err = s.Watcher.Watch(dir); err != nil {
				s.log.Warn("save folder is not watched", zap.String("dir", dir), zap.Error(err))
			}
		}
	}
}

// Start runs the device event loop, the monitors and the MQTT connection until ctx is done
func (s *Server) Start(ctx context.Context) {
	go func() {
		if err := s.Device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("device event loop stopped", zap.Error(err))
		}
	}()
	if s.cfg.Temperature.Interval > 0 {
		go s.Env.Run(ctx)
	}
	if s.Watcher != nil {
		go s.Watcher.Run(ctx)
	}
	if s.cfg.MQTT.Broker != "" {
		// the retained state is refreshed on every (re)connection
		s.MQTT.OnConnect = func() { s.MQTT.PublishStatus(s.Device.Status()) }
		go func() {
			if err := s.MQTT.Connect(ctx); err != nil {
				s.log.Warn("mqtt broker not reachable", zap.Error(err))
			}
		}()
	}
}

// Close releases the MQTT connection
func (s *Server) Close() {
	s.MQTT.Close()
}
