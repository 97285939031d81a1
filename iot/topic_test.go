package iot

import "testing"

func TestEventsTopicRoundTrip(t *testing.T) {
	topic := EventsTopic("dev-1", SensorTypeTelemetry)
	if topic != "thingsim/dev-1/events/?SensorType=Stelemetry" {
		t.Fatalf("unexpected topic %q", topic)
	}

	deviceID, sensorType, ok := ParseEventsTopic(topic)
	if !ok {
		t.Fatal("topic did not parse")
	}
	if deviceID != "dev-1" || sensorType != SensorTypeTelemetry {
		t.Fatalf("parsed %q %q", deviceID, sensorType)
	}
}

func TestParseEventsTopicRejectsForeignTopics(t *testing.T) {
	for _, topic := range []string{
		"dev-1/events/?SensorType=Stelemetry",
		"thingsim/dev-1/twin/reports",
		"thingsim/dev-1/events/Stelemetry",
		"thingsim//events/?SensorType=Slog",
		"thingsim/dev-1/extra/events/?SensorType=Slog",
	} {
		if _, _, ok := ParseEventsTopic(topic); ok {
			t.Fatalf("topic %q should not parse", topic)
		}
	}
}
