// Package publish sends run statistics to an MQTT broker.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	serialtest "github.com/allbin/serial-test"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const (
	qosAtLeastOnce = 1
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	queueSize      = 16
)

var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Message is the JSON document published for every report
type Message struct {
	Kind          string  `json:"kind"`
	Port          string  `json:"port"`
	Time          string  `json:"time"`
	ElapsedMillis int64   `json:"elapsed_ms"`
	Written       uint64  `json:"written"`
	Read          uint64  `json:"read"`
	Errors        uint64  `json:"errors"`
	State         string  `json:"state,omitempty"`
	EstimatedBaud float64 `json:"estimated_baud,omitempty"`
	Deviation     float64 `json:"deviation_percent,omitempty"`
	ErrorCount    uint64  `json:"error_count,omitempty"`
	ExitStatus    *int    `json:"exit_status,omitempty"`
}

type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher writes statistics to one topic. Messages are sent from a
// background goroutine; periodic ones are dropped while the queue is full.
// Failures are logged and never interrupt the run.
type Publisher struct {
	client  client
	topic   string
	port    string
	logger  *log.Entry
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan Message
	done   chan struct{}
}

// Connect dials broker and returns a publisher for topic
func Connect(broker, topic, port string) (*Publisher, error) {
	host, _ := os.Hostname()
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(fmt.Sprintf("serial-test-%s-%d", host, os.Getpid())).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true)

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: %w", broker, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	return newPublisher(c, topic, port), nil
}

func newPublisher(c client, topic, port string) *Publisher {
	p := &Publisher{
		client:  c,
		topic:   topic,
		port:    port,
		logger:  log.WithFields(log.Fields{"topic": topic, "port": port}),
		timeout: publishTimeout,
		queue:   make(chan Message, queueSize),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		p.send(msg)
	}
}

// Snapshot queues a periodic report without blocking
func (p *Publisher) Snapshot(snap serialtest.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- p.snapshotMessage(snap):
	default:
		p.logger.Debug("telemetry queue full, dropping periodic report")
	}
}

func (p *Publisher) snapshotMessage(snap serialtest.Snapshot) Message {
	return Message{
		Kind:          "periodic",
		Port:          p.port,
		Time:          snap.Now.UTC().Format(time.RFC3339Nano),
		ElapsedMillis: snap.Elapsed().Milliseconds(),
		Written:       snap.Written,
		Read:          snap.Read,
		Errors:        snap.Errors,
		State:         snap.State.String(),
	}
}

// Result queues the final report, waiting for room in the queue
func (p *Publisher) Result(res serialtest.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	status := res.ExitStatus
	p.queue <- Message{
		Kind:          "final",
		Port:          p.port,
		Time:          time.Now().UTC().Format(time.RFC3339Nano),
		ElapsedMillis: res.Elapsed.Milliseconds(),
		Written:       res.Written,
		Read:          res.Read,
		Errors:        res.Errors,
		EstimatedBaud: res.EstimatedBaud,
		Deviation:     res.Deviation,
		ErrorCount:    res.ErrorCount,
		ExitStatus:    &status,
	}
}

func (p *Publisher) send(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.WithError(err).Warn("encode telemetry")
		return
	}

	token := p.client.Publish(p.topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(p.timeout) {
		p.logger.WithError(ErrPublishTimeout).Warn("publish telemetry")
		return
	}
	if err := token.Error(); err != nil {
		p.logger.WithError(err).Warn("publish telemetry")
	}
}

// Close sends the queued messages and disconnects from the broker
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	p.client.Disconnect(250)
}
