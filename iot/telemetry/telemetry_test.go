package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/thingsim/iot"
	"github.com/relabs-tech/thingsim/iot/sensor"
)

type recordingSession struct {
	mutex    sync.Mutex
	messages []iot.OutboundMessage
	err      error
}

func (r *recordingSession) Publish(message iot.OutboundMessage) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingSession) recorded() []iot.OutboundMessage {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]iot.OutboundMessage(nil), r.messages...)
}

func TestBothLoopsPublish(t *testing.T) {
	session := &recordingSession{}
	publisher := MustNewPublisher(&Builder{
		Session:  session,
		Source:   sensor.NewSource(),
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := publisher.Run(ctx); err != nil {
		t.Fatal(err)
	}

	seen := map[iot.SensorType]int{}
	for _, message := range session.recorded() {
		seen[message.SensorType]++

		var fields map[string]float64
		if err := json.Unmarshal(message.Payload, &fields); err != nil {
			t.Fatalf("payload is not a flat JSON object: %s", message.Payload)
		}
		if len(fields) != 5 {
			t.Fatalf("expecting 5 fields, got %d: %s", len(fields), message.Payload)
		}
	}
	if seen[iot.SensorTypeTelemetry] == 0 {
		t.Fatal("telemetry loop has not published")
	}
	if seen[iot.SensorTypeLog] == 0 {
		t.Fatal("log loop has not published")
	}
}

func TestFirstIterationIsImmediate(t *testing.T) {
	session := &recordingSession{}
	publisher := MustNewPublisher(&Builder{
		Session:  session,
		Source:   sensor.NewSource(),
		Interval: time.Hour, // a send must happen well before the first tick
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if len(session.recorded()) >= 2 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	if err := publisher.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if len(session.recorded()) < 2 {
		t.Fatalf("expecting both loops to send before the first tick, got %d messages",
			len(session.recorded()))
	}
}

func TestPublishFailureStopsTheRun(t *testing.T) {
	failure := errors.New("connection reset")
	session := &recordingSession{err: failure}
	publisher := MustNewPublisher(&Builder{
		Session:  session,
		Source:   sensor.NewSource(),
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := publisher.Run(ctx)
	if !errors.Is(err, failure) {
		t.Fatalf("expecting the publish failure, got %v", err)
	}
}
