package iot

// SensorType is the classification tag of an outbound message. The tag
// travels as message metadata on the MQTT topic, not inside the payload,
// so brokers can filter without parsing the body.
type SensorType string

const (
	// SensorTypeTelemetry tags environmental sensor readings.
	SensorTypeTelemetry SensorType = "Stelemetry"
	// SensorTypeLog tags log events.
	SensorTypeLog SensorType = "Slog"
)

// OutboundMessage is a single payload on its way to the hub.
type OutboundMessage struct {
	Payload    []byte
	SensorType SensorType
}

// Publisher is an interface to publish outbound messages over an open,
// authenticated session.
type Publisher interface {
	Publish(message OutboundMessage) error
}
