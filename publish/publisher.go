package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/pointreg/register"
)

// Publisher sends registration reports to MQTT.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
}

// NewPublisher creates a report publisher. If client is nil, publishing is
// disabled. An empty prefix falls back to DefaultPrefix.
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
	}
}

// TransformMessage is the compact payload published on {prefix}/transform.
type TransformMessage struct {
	ReportID  string         `json:"reportId"`
	Matrix    [4][4]float64  `json:"matrix"`
	Pose      Pose           `json:"pose"`
	Converged bool           `json:"converged"`
	State     register.State `json:"state"`
	Residual  float64        `json:"residual"`
	Score     float64        `json:"score,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// PublishReport publishes the full report to {prefix}/reports/{id} and the
// final transform to {prefix}/transform.
func (p *Publisher) PublishReport(report *register.Report) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if report == nil {
		return fmt.Errorf("nil report")
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := p.publish(fmt.Sprintf("%s/reports/%s", p.publishPrefix, report.ID), payload); err != nil {
		return err
	}

	msg := TransformMessage{
		ReportID:  report.ID,
		Matrix:    report.Transform.Matrix4(),
		Pose:      PoseOf(report.Transform),
		Converged: report.ICP.Converged,
		State:     report.ICP.State,
		Residual:  report.ICP.Residual,
		Timestamp: time.Now().Unix(),
	}
	if report.Global != nil {
		msg.Score = report.Global.Score
	}
	payload, err = json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling transform: %w", err)
	}
	if err := p.publish(p.publishPrefix+"/transform", payload); err != nil {
		return err
	}

	log.Printf("Published report %s: rotation %.2f° residual=%.6f", report.ID, report.Transform.AngleDeg(), report.ICP.Residual)
	return nil
}

// PublishError reports a failed request on {prefix}/errors.
func (p *Publisher) PublishError(req Request, cause error) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"source":    req.Source,
		"target":    req.Target,
		"error":     cause.Error(),
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling error: %w", err)
	}
	return p.publish(p.publishPrefix+"/errors", payload)
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
