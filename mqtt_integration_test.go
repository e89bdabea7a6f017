package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/pointreg/publish"
)

// TestMQTTServiceRoundTrip runs the service against a real broker, sends a
// registration request and waits for the published transform.
func TestMQTTServiceRoundTrip(t *testing.T) {
	// Skip if not running integration tests
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test (set RUN_INTEGRATION_TESTS=1 to run)")
	}
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = "tcp://localhost:1883"
		t.Setenv("MQTT_BROKER", broker)
	}
	prefix := fmt.Sprintf("pointreg-test-%d", time.Now().UnixNano())
	t.Setenv("MQTT_PUBLISH_PREFIX", prefix)
	t.Setenv("MQTT_CLIENT_ID", prefix+"-service")

	f := writeCubePair(t)
	app, _ := newTestApp(AppOptions{ConfigFile: f.config, MqttMode: true, NoCache: true})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.RunService(ctx) }()

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(prefix + "-observer")
	observer := mqtt.NewClient(opts)
	if token := observer.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		t.Fatalf("Failed to connect observer client: %v", token.Error())
	}
	defer observer.Disconnect(250)

	received := make(chan publish.TransformMessage, 1)
	token := observer.Subscribe(prefix+"/transform", 1, func(_ mqtt.Client, msg mqtt.Message) {
		var tm publish.TransformMessage
		if err := json.Unmarshal(msg.Payload(), &tm); err == nil {
			select {
			case received <- tm:
			default:
			}
		}
	})
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		t.Fatalf("Failed to subscribe: %v", token.Error())
	}

	// give the service time to subscribe to its request topic
	time.Sleep(2 * time.Second)
	payload, _ := json.Marshal(publish.Request{Source: f.source, Target: f.target})
	observer.Publish(prefix+"/requests", 1, false, payload).WaitTimeout(5 * time.Second)

	select {
	case tm := <-received:
		if !tm.Converged {
			t.Errorf("expected converged transform, got state %s", tm.State)
		}
		if tm.ReportID == "" {
			t.Error("expected report ID")
		}
	case <-ctx.Done():
		t.Fatal("no transform published before timeout")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("service returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Service did not shut down within timeout")
	}
}
