/*Package envsrv contains the machinery for recording the sensor environment.

It reads the sensor temperature and temperature status through the binding
table every <duration> and stores up to N of them to return over HTTP.
*/
package envsrv

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mbi-berlin/lightfield-http/generichttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	temperatureGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lightfield_sensor_temperature_celsius",
		Help: "last sensor temperature read from the camera",
	})
	sampleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lightfield_sensor_sample_errors_total",
		Help: "sensor temperature reads that failed",
	})
)

// Reader reads a named attribute, as binding.Table does
type Reader interface {
	Read(name string) (interface{}, error)
}

// circle is a ring buffer.  It is not concurrent safe.
type circle[T any] struct {
	buf    []T
	cursor int
	filled bool
}

func newCircle[T any](size int) circle[T] {
	return circle[T]{buf: make([]T, size)}
}

func (c *circle[T]) Append(v T) {
	c.buf[c.cursor] = v
	c.cursor++
	if c.cursor == len(c.buf) {
		c.cursor = 0
		c.filled = true
	}
}

// Contiguous copies the values from least to most recent
func (c *circle[T]) Contiguous() []T {
	if !c.filled {
		return append([]T{}, c.buf[:c.cursor]...)
	}
	out := make([]T, 0, len(c.buf))
	out = append(out, c.buf[c.cursor:]...)
	return append(out, c.buf[:c.cursor]...)
}

// Envmon is an environmental monitor that stores ring buffers of temperature
// and its status and can serve the slices over HTTP
type Envmon struct {
	// TempAttr and StatusAttr are the attributes sampled
	TempAttr, StatusAttr string

	src  Reader
	tick time.Duration
	log  *zap.Logger

	mu       sync.Mutex
	temps    circle[float64]
	statuses circle[int]
	stamps   circle[time.Time]
}

type envdata struct {
	T      []float64   `json:"temp"`
	Status []int       `json:"status"`
	Time   []time.Time `json:"timestamp"`
}

// New creates a new Envmon sampling temp_read and temp_status from src
func New(src Reader, tick time.Duration, capacity int, logger *zap.Logger) *Envmon {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Envmon{
		TempAttr:   "temp_read",
		StatusAttr: "temp_status",
		src:        src,
		tick:       tick,
		log:        logger,
		temps:      newCircle[float64](capacity),
		statuses:   newCircle[int](capacity),
		stamps:     newCircle[time.Time](capacity),
	}
}

// Sample reads the attributes once and appends them to the history
func (em *Envmon) Sample(t time.Time) error {
	v, err := em.src.Read(em.TempAttr)
	if err != nil {
		return err
	}
	temp, ok := v.(float64)
	if !ok {
		return fmt.Errorf("%s is %T, not float64", em.TempAttr, v)
	}
	status := -1
	if v, err := em.src.Read(em.StatusAttr); err == nil {
		if i, ok := v.(int); ok {
			status = i
		}
	}
	em.mu.Lock()
	em.stamps.Append(t)
	em.temps.Append(temp)
	em.statuses.Append(status)
	em.mu.Unlock()
	temperatureGauge.Set(temp)
	return nil
}

// Run samples every tick until ctx is done
func (em *Envmon) Run(ctx context.Context) {
	ticker := time.NewTicker(em.tick)
	defer ticker.Stop()
	for {
		select {
		case t := <-ticker.C:
			if err := em.Sample(t); err != nil {
				sampleErrors.Inc()
				em.log.Warn("error sampling sensor temperature", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// History returns copies of the temperature, status and timestamp buffers
func (em *Envmon) History() ([]float64, []int, []time.Time) {
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.temps.Contiguous(), em.statuses.Contiguous(), em.stamps.Contiguous()
}

// HTTPYield returns an object over HTTP which contains arrays of temp, status, and timestamps
func (em *Envmon) HTTPYield(w http.ResponseWriter, r *http.Request) {
	T, status, times := em.History()
	generichttp.RespondJSON(w, envdata{T: T, Status: status, Time: times})
}

// Inject adds GET /temperature/history to the HTTPer
func (em *Envmon) Inject(other generichttp.HTTPer) {
	other.RT()[generichttp.MethodPath{Method: http.MethodGet, Path: "/temperature/history"}] = em.HTTPYield
}
