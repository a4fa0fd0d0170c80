/*Package publish delivers device change events to remote subscribers.

MQTT sends every image (rate limited) and every status transition to a broker.
Stream serves the images as an MJPEG live view.  Multi fans one event out to
several publishers, which is how the server combines them with the FITS
recorder.
*/
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/mbi-berlin/lightfield-http/device"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var mqttMetric = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lightfield_mqtt_messages_total",
		Help: "MQTT messages by topic and outcome",
	},
	[]string{"topic", "result"},
)

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.  Empty disables MQTT.
	Broker string `yaml:"Broker"`

	// ClientID defaults to lightfield-<random uuid>
	ClientID string `yaml:"ClientID"`

	// Prefix is prepended to the image and state topics
	Prefix string `yaml:"Prefix"`

	QoS byte `yaml:"QoS"`

	// MaxRate is the largest number of images published per second; 0 is unlimited
	MaxRate float64 `yaml:"MaxRate"`

	// Timeout bounds connecting and waiting for a publish to complete
	Timeout time.Duration `yaml:"Timeout"`
}

// ImageDoc is the msgpack document published on <Prefix>/image
type ImageDoc struct {
	Height int       `msgpack:"height"`
	Width  int       `msgpack:"width"`
	Format string    `msgpack:"format"`
	Count  int       `msgpack:"count"`
	Mode   string    `msgpack:"mode"`
	Time   time.Time `msgpack:"time"`
	Pix    []float64 `msgpack:"pix"`
}

// EncodeImage makes the msgpack document for a snapshot
func EncodeImage(s device.Snapshot) ([]byte, error) {
	return msgpack.Marshal(ImageDoc{
		Height: s.Height,
		Width:  s.Width,
		Format: s.Format.String(),
		Count:  s.Count,
		Mode:   s.Mode.String(),
		Time:   s.Time,
		Pix:    s.Pix,
	})
}

// client is the part of mqtt.Client used for publishing
type client interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes images and status to a broker
type MQTT struct {
	// OnConnect, if not nil, is called from paho every time a connection is established
	OnConnect func()

	cfg     MQTTConfig
	limiter *rate.Limiter
	log     *zap.Logger

	mu     sync.Mutex
	conn   mqtt.Client
	client client
}

// NewMQTT creates an unconnected publisher
func NewMQTT(cfg MQTTConfig, logger *zap.Logger) *MQTT {
	if cfg.ClientID == "" {
		cfg.ClientID = "lightfield-" + uuid.NewString()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.MaxRate > 0 {
		limit = rate.Limit(cfg.MaxRate)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTT{cfg: cfg, limiter: rate.NewLimiter(limit, 1), log: logger}
}

// Connect connects to the broker.  The client is kept when the first attempt
// fails or times out: paho retries in the background and publishing starts
// once a connection is up.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.log.Info("mqtt connection established", zap.String("broker", m.cfg.Broker), zap.String("clientID", m.cfg.ClientID))
		if m.OnConnect != nil {
			m.OnConnect()
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.log.Warn("mqtt connection lost, reconnecting", zap.String("broker", m.cfg.Broker), zap.Error(err))
	}
	conn := mqtt.NewClient(opts)
	m.setClient(conn, conn)
	token := conn.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.Timeout):
		return fmt.Errorf("mqtt connection to %s timed out, still retrying", m.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection to %s failed: %w", m.cfg.Broker, err)
	}
	return nil
}

func (m *MQTT) setClient(conn mqtt.Client, c client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.client = c
}

func (m *MQTT) getClient() client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Close disconnects from the broker
func (m *MQTT) Close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil && conn.IsConnected() {
		conn.Disconnect(250)
	}
}

func (m *MQTT) topic(leaf string) string {
	if m.cfg.Prefix == "" {
		return leaf
	}
	return m.cfg.Prefix + "/" + leaf
}

// PublishImage sends the snapshot to <Prefix>/image, dropping it if the rate limit is exceeded
func (m *MQTT) PublishImage(s device.Snapshot) {
	topic := m.topic("image")
	if !m.limiter.Allow() {
		mqttMetric.WithLabelValues(topic, "ratelimited").Inc()
		return
	}
	payload, err := EncodeImage(s)
	if err != nil {
		mqttMetric.WithLabelValues(topic, "error").Inc()
		m.log.Error("image could not be encoded", zap.Error(err))
		return
	}
	m.send(topic, false, payload)
}

// PublishStatus sends the status name to <Prefix>/state as a retained message
func (m *MQTT) PublishStatus(s device.Status) {
	m.send(m.topic("state"), true, []byte(s.String()))
}

func (m *MQTT) send(topic string, retained bool, payload []byte) {
	c := m.getClient()
	if c == nil || !c.IsConnectionOpen() {
		mqttMetric.WithLabelValues(topic, "disconnected").Inc()
		return
	}
	token := c.Publish(topic, m.cfg.QoS, retained, payload)
	// completion is awaited off the device goroutine
	go func() {
		if !token.WaitTimeout(m.cfg.Timeout) {
			mqttMetric.WithLabelValues(topic, "timeout").Inc()
			m.log.Warn("mqtt publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			mqttMetric.WithLabelValues(topic, "error").Inc()
			m.log.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
			return
		}
		mqttMetric.WithLabelValues(topic, "published").Inc()
	}()
}
