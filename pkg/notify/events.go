package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	EventSessionStarted  = "session_started"
	EventSessionFinished = "session_finished"
	EventSessionFailed   = "session_failed"
	EventSegmentClosed   = "segment_closed"
	EventFpsReport       = "fps_report"
)

// Event is the JSON document sent to every configured sink.
type Event struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	ID         string    `json:"id,omitempty"`
	CameraName string    `json:"cameraName"`
	Start      time.Time `json:"start,omitzero"`
	End        time.Time `json:"end,omitzero"`
	ClassName  string    `json:"className,omitempty"`
	Confidence float32   `json:"confidence,omitempty"`
	Box        []float64 `json:"box,omitempty"`
	Frames     int       `json:"frames,omitempty"`
	VideoFile  string    `json:"videoFile,omitempty"`
	FirstImage string    `json:"firstImage,omitempty"`
	BestImage  string    `json:"bestImage,omitempty"`
	Fps        float64   `json:"fps,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event)
}

// Sink delivers one encoded event somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event, payload []byte) error
}

// Fanout queues events and delivers them to every sink on a background goroutine. When
// the queue is full new events are dropped and counted.
type Fanout struct {
	sinks []Sink
	log   *zerolog.Logger
	queue chan Event
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewFanout(log *zerolog.Logger, depth int, sinks ...Sink) *Fanout {
	if depth < 1 {
		depth = 64
	}
	f := &Fanout{
		sinks: sinks,
		log:   log,
		queue: make(chan Event, depth),
		done:  make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *Fanout) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
		f.log.Warn().Str("event", ev.Type).Msg("event queue full, dropping event")
	}
}

func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

// Close stops accepting events and waits until the queued ones were delivered.
func (f *Fanout) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	<-f.done
}

func (f *Fanout) loop() {
	defer close(f.done)
	for ev := range f.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			f.log.Error().Err(err).Str("event", ev.Type).Msg("error marshalling event")
			continue
		}
		f.log.Debug().Str("event", ev.Type).RawJSON("payload", payload).Msg("event")
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Send(ctx, ev, payload); err != nil {
				f.log.Error().Err(err).Str("sink", s.Name()).Str("event", ev.Type).Msg("failed to deliver event")
			}
			cancel()
		}
	}
}

// Multi publishes to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ev)
		}
	}
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

// Webhook posts the raw event JSON.
type Webhook struct {
	URL    string
	Client *http.Client
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, _ Event, payload []byte) error {
	return postJSON(ctx, w.Client, w.URL, payload)
}

// Slack posts a text message to an incoming webhook URL.
type Slack struct {
	URL    string
	Client *http.Client
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, ev Event, payload []byte) error {
	msg, err := json.Marshal(map[string]interface{}{
		"text": fmt.Sprintf("Event: %s\nPayload: %s", ev.Type, string(payload)),
	})
	if err != nil {
		return err
	}
	return postJSON(ctx, s.Client, s.URL, msg)
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %s", url, resp.Status)
	}
	return nil
}

type MQTTConfig struct {
	Host     string
	Port     int
	User     string
	Pass     string
	Topic    string
	ClientID string
}

// MQTT keeps one broker connection open for the lifetime of the process.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	log    *zerolog.Logger
}

func NewMQTT(cfg MQTTConfig, log *zerolog.Logger) *MQTT {
	opts := mqtt.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.User != "" && cfg.Pass != "" {
		opts.SetUsername(cfg.User)
		opts.SetPassword(cfg.Pass)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.Host).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Host).Msg("mqtt connection lost, will auto-reconnect")
	}
	return &MQTT{cfg: cfg, client: mqtt.NewClient(opts), log: log}
}

// Connect starts the connection. With connect retry enabled the client keeps trying in
// the background when the first attempt times out.
func (m *MQTT) Connect() error {
	token := m.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Send(_ context.Context, _ Event, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	token := m.client.Publish(m.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	return token.Error()
}

func (m *MQTT) Disconnect() {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}
