package iot

import (
	"fmt"
	"strings"
)

// EventsTopic returns the MQTT topic a device publishes its events on. The
// sensor type rides along as a property bag suffix, so the broker can
// classify messages without looking at the payload:
//
//	thingsim/{device_id}/events/?SensorType=Stelemetry
func EventsTopic(deviceID string, sensorType SensorType) string {
	return fmt.Sprintf("thingsim/%s/events/?SensorType=%s", deviceID, sensorType)
}

// ParseEventsTopic splits an events topic into device ID and sensor type.
// It returns false for topics outside the events namespace.
func ParseEventsTopic(topic string) (deviceID string, sensorType SensorType, ok bool) {
	rest, found := strings.CutPrefix(topic, "thingsim/")
	if !found {
		return "", "", false
	}
	deviceID, properties, found := strings.Cut(rest, "/events/")
	if !found || deviceID == "" || strings.Contains(deviceID, "/") {
		return "", "", false
	}
	tag, found := strings.CutPrefix(properties, "?SensorType=")
	if !found {
		return "", "", false
	}
	return deviceID, SensorType(tag), true
}
