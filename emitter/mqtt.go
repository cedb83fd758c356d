// Package emitter publishes phase transitions and stream status to an MQTT
// broker so other systems in the operating room (recorders, displays,
// schedulers) can follow the procedure without their own backend connection.
//
// Topics:
//
//	{prefix}/phase  - one message per phase change (not per classification)
//	{prefix}/status - retained connection/pause/source state
//
// Features:
//   - Paho auto-reconnect with 30-second max interval
//   - Publishing happens on a worker goroutine; stream callbacks only enqueue
//   - Backend labels resolved against the phase catalog before publishing
//   - Per-topic publish counters and error/drop counts
package emitter

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"phasefeed/internal/ratelimit"
	"phasefeed/phase"
	"phasefeed/stream"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 2 * time.Second
	disconnectQuiesceMS   = 250
)

// Config selects the broker and topic layout.
type Config struct {
	Broker         string
	Port           int
	TopicPrefix    string
	ClientID       string // Generated when empty
	QoS            byte
	PublishTimeout time.Duration
}

// PhaseMessage is the payload published on {prefix}/phase.
type PhaseMessage struct {
	Phase       string  `json:"phase"`
	DisplayName string  `json:"display_name"`
	Previous    string  `json:"previous,omitempty"`
	Confidence  float64 `json:"confidence"`
	Seq         uint64  `json:"seq"`
	Elapsed     string  `json:"elapsed"`
	InferenceMs float64 `json:"inference_ms"`
	At          string  `json:"at"`
}

// StatusMessage is the retained payload published on {prefix}/status.
type StatusMessage struct {
	Connected  bool   `json:"connected"`
	Paused     bool   `json:"paused"`
	WebcamMode bool   `json:"webcam_mode"`
	Phase      string `json:"phase,omitempty"`
	At         string `json:"at"`
}

// publisher is the subset of mqtt.Client the emitter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type outbound struct {
	topic    string
	retained bool
	payload  []byte
}

// Emitter forwards stream events to MQTT.
type Emitter struct {
	cfg     Config
	catalog *phase.Catalog
	client  publisher
	now     func() time.Time

	queue     chan outbound
	done      chan struct{}
	closeOnce sync.Once

	// Touched only from stream listener callbacks.
	lastPhase string
	status    StatusMessage

	mu        sync.Mutex
	closed    bool
	published map[string]uint64

	failures *ratelimit.Counter
	drops    *ratelimit.Counter
}

// Stats contains emitter statistics
type Stats struct {
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
}

// Connect dials the broker and starts the publish worker.
func Connect(ctx context.Context, cfg Config, catalog *phase.Catalog) (*Emitter, error) {
	cfg = cfg.normalized()
	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("Emitter: connected to %s as %s", brokerURL, cfg.ClientID)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("Emitter: connection lost: %v (will reconnect)", err)
	})

	client := mqtt.NewClient(opts)
	log.Printf("Emitter: connecting to MQTT broker at %s...", brokerURL)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", brokerURL, err)
	}
	return newEmitter(cfg, catalog, client), nil
}

func newEmitter(cfg Config, catalog *phase.Catalog, client publisher) *Emitter {
	cfg = cfg.normalized()
	if catalog == nil {
		catalog = phase.DefaultCatalog()
	}
	e := &Emitter{
		cfg:       cfg,
		catalog:   catalog,
		client:    client,
		now:       time.Now,
		queue:     make(chan outbound, defaultQueueSize),
		done:      make(chan struct{}),
		published: make(map[string]uint64),
		failures:  ratelimit.NewCounter(time.Minute),
		drops:     ratelimit.NewCounter(time.Minute),
	}
	go e.run()
	return e
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.Broker) == "" {
		c.Broker = "localhost"
	}
	if c.Port <= 0 {
		c.Port = 1883
	}
	c.TopicPrefix = strings.Trim(strings.TrimSpace(c.TopicPrefix), "/")
	if c.TopicPrefix == "" {
		c.TopicPrefix = "phasefeed"
	}
	if c.ClientID == "" {
		c.ClientID = "phasefeed-" + uuid.NewString()[:8]
	}
	if c.QoS > 2 {
		c.QoS = 2
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	return c
}

// PhaseTopic returns the topic phase changes are published on.
func (e *Emitter) PhaseTopic() string { return e.cfg.TopicPrefix + "/phase" }

// StatusTopic returns the retained status topic.
func (e *Emitter) StatusTopic() string { return e.cfg.TopicPrefix + "/status" }

// Listener returns the stream listener that feeds the emitter.
func (e *Emitter) Listener() stream.Listener {
	return stream.Callbacks{
		PhaseUpdate:      func(ev phase.Event, _ []phase.Event) { e.onPhase(ev) },
		ConnectionChange: e.onConnection,
		Status:           e.onStatus,
	}
}

func (e *Emitter) onPhase(ev phase.Event) {
	name := ev.Phase
	if resolved, ok := e.catalog.Resolve(ev.Phase); ok {
		name = resolved
	}
	if name == e.lastPhase {
		return
	}
	msg := PhaseMessage{
		Phase:       name,
		DisplayName: phase.DisplayName(name),
		Previous:    e.lastPhase,
		Confidence:  ev.ConfidenceAt(e.catalog.Index(name)),
		Seq:         ev.Seq,
		Elapsed:     phase.FormatElapsed(ev.ElapsedTimeSec),
		InferenceMs: ev.InferenceTimeMs,
		At:          e.timestamp(ev.Timestamp),
	}
	e.lastPhase = name
	e.status.Phase = name
	e.enqueueJSON(e.PhaseTopic(), false, msg)
}

func (e *Emitter) onConnection(connected bool) {
	e.status.Connected = connected
	if !connected {
		// A reconnect may land mid-phase; republish the first phase seen after it.
		e.lastPhase = ""
	}
	e.publishStatus()
}

func (e *Emitter) onStatus(st stream.Status) {
	switch st.Kind {
	case stream.StatusHello, stream.StatusUpdate, stream.StatusCommandAck:
		if e.status.Paused == st.Paused && e.status.WebcamMode == st.WebcamMode {
			return
		}
		e.status.Paused = st.Paused
		e.status.WebcamMode = st.WebcamMode
		e.publishStatus()
	}
}

func (e *Emitter) publishStatus() {
	msg := e.status
	msg.At = e.timestamp(time.Time{})
	e.enqueueJSON(e.StatusTopic(), true, msg)
}

func (e *Emitter) timestamp(t time.Time) string {
	if t.IsZero() {
		t = e.now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func (e *Emitter) enqueueJSON(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("Emitter: encode %s failed: %v", topic, err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.drops.Inc()
		return
	}
	select {
	case e.queue <- outbound{topic: topic, retained: retained, payload: payload}:
	default:
		if total, ok := e.drops.Inc(); ok {
			log.Printf("Emitter: publish queue full; %d messages dropped so far", total)
		}
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for msg := range e.queue {
		err := e.publish(msg)
		if err != nil {
			if total, ok := e.failures.Inc(); ok {
				log.Printf("Emitter: publish %s failed: %v (%d failures so far)", msg.topic, err, total)
			}
			continue
		}
		e.mu.Lock()
		e.published[msg.topic]++
		e.mu.Unlock()
	}
}

func (e *Emitter) publish(msg outbound) error {
	token := e.client.Publish(msg.topic, e.cfg.QoS, msg.retained, msg.payload)
	if !token.WaitTimeout(e.cfg.PublishTimeout) {
		return fmt.Errorf("timeout after %s", e.cfg.PublishTimeout)
	}
	return token.Error()
}

// Stats returns emitter statistics
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Published: published, Errors: e.failures.Total(), Dropped: e.drops.Total()}
}

// Close flushes queued messages and disconnects from the broker.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.queue)
		e.mu.Unlock()
		<-e.done
		e.client.Disconnect(disconnectQuiesceMS)
		log.Printf("Emitter: disconnected")
	})
}
