package register

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/boneregister/mesh"
)

var errNotConnected = errors.New("MQTT client not connected")

// IterationMessage is published on <prefix>/iteration
type IterationMessage struct {
	Stage     string  `json:"stage"`
	Iteration int     `json:"iteration"`
	Objective float64 `json:"objective"`
	Timestamp int64   `json:"timestamp"`
}

// PosesMessage is published on <prefix>/poses
type PosesMessage struct {
	Poses     []mesh.Pose `json:"poses"`
	Timestamp int64       `json:"timestamp"`
}

// ShapeMessage is published on <prefix>/shape
type ShapeMessage struct {
	Params    []float64 `json:"params"`
	Timestamp int64     `json:"timestamp"`
}

// StateMessage is published on <prefix>/state
type StateMessage struct {
	Stage     string `json:"stage"`
	Running   bool   `json:"running"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ProgressPublisher is an Observer that publishes registration progress to
// MQTT. If client is nil or disconnected, events are dropped.
type ProgressPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool

	mu        sync.RWMutex
	stage     string
	rotations []r3.Vec
}

// NewProgressPublisher creates a publisher for the given prefix
func NewProgressPublisher(client mqtt.Client, prefix string) *ProgressPublisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	return &ProgressPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // progress is fire and forget
		retain:        true, // late subscribers see the latest state
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *ProgressPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *ProgressPublisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishState announces a stage start or the end of a run
func (p *ProgressPublisher) PublishState(stage string, running bool, runErr error) error {
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()

	msg := StateMessage{Stage: stage, Running: running, Timestamp: time.Now().Unix()}
	if runErr != nil {
		msg.Error = runErr.Error()
	}
	return p.publish("state", msg)
}

func (p *ProgressPublisher) publish(subtopic string, v any) error {
	if p.client == nil || !p.client.IsConnected() {
		return errNotConnected
	}

	topic := fmt.Sprintf("%s/%s", p.publishPrefix, subtopic)
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", subtopic, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// report logs publish failures other than a missing connection
func (p *ProgressPublisher) report(err error) {
	if err != nil && !errors.Is(err, errNotConnected) {
		log.Printf("[MQTT] %v", err)
	}
}

func (p *ProgressPublisher) BeginSection(Section) {}
func (p *ProgressPublisher) EndSection(Section)   {}

// Iteration implements Observer
func (p *ProgressPublisher) Iteration(iter int, objective float64) {
	p.mu.RLock()
	stage := p.stage
	p.mu.RUnlock()

	p.report(p.publish("iteration", IterationMessage{
		Stage:     stage,
		Iteration: iter,
		Objective: objective,
		Timestamp: time.Now().Unix(),
	}))
}

// RotationsChanged stores rotations until the matching translations arrive
func (p *ProgressPublisher) RotationsChanged(r []r3.Vec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rotations = append(p.rotations[:0], r...)
}

// TranslationsChanged publishes the complete poses
func (p *ProgressPublisher) TranslationsChanged(t []r3.Vec) {
	p.mu.RLock()
	poses := make([]mesh.Pose, len(t))
	for i := range t {
		poses[i].Translation = t[i]
		if i < len(p.rotations) {
			poses[i].Rotation = p.rotations[i]
		}
	}
	p.mu.RUnlock()

	p.report(p.publish("poses", PosesMessage{Poses: poses, Timestamp: time.Now().Unix()}))
}

// ShapeChanged implements Observer
func (p *ProgressPublisher) ShapeChanged(params []float64) {
	p.report(p.publish("shape", ShapeMessage{Params: params, Timestamp: time.Now().Unix()}))
}

func (p *ProgressPublisher) Images() bool                 { return false }
func (p *ProgressPublisher) DownloadImages([]image.Image) {}
